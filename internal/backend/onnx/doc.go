// Package onnx runs exported VQ-VAE encoder and decoder graphs through ONNX
// Runtime. It links the runtime via cgo and is only compiled with
// `-tags=onnx`; without the tag the package is empty and registers nothing,
// so "onnx" is absent from backend.Available().
//
// Graph contract:
//
//	encoder: patches [B, C, N, N, N] float32|float16 -> tokens [B, g, g, g] int64
//	decoder: tokens  [B, g, g, g] int64 -> patches [B, C, N, N, N] float32|float16
//
// with g = N / latent_stride. The runtime shared library is taken from
// backend.Options.SharedLibrary or the ONNXRUNTIME_LIB environment variable.
package onnx
