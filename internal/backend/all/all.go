// Package all links every backend this build supports into the registry.
package all

import (
	_ "vqvdb/internal/backend/identity"
	_ "vqvdb/internal/backend/native"
	_ "vqvdb/internal/backend/onnx"
)
