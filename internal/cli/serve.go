package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"vqvdb/internal/httpapi"
	"vqvdb/internal/manager"
	"vqvdb/internal/model"
)

const shutdownGrace = 5 * time.Second

func serveCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the encode/decode HTTP API",
		Example: "  vqvdb serve --addr :8790 --models-dir ~/models/vq -m fog-p8",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", o.cfg.Addr)
			if err != nil {
				return err
			}
			return o.serve(cmd.Context(), ln)
		},
	}
	cmd.Flags().StringVar(&o.flags.addr, "addr", "", "HTTP listen address (default :8790)")
	cmd.Flags().StringVar(&o.flags.corsOrigins, "cors-origins", "", "Comma separated CORS allowed origins")
	cmd.Flags().IntVar(&o.flags.maxBodyMB, "max-body-mb", 0, "Maximum request body in MiB")
	return cmd
}

// newService builds the codec service from the resolved config. The caller
// closes the returned manager.
func (o *options) newService() (*httpapi.CodecService, *manager.Manager, error) {
	var entries []model.Entry
	if o.cfg.ModelsDir != "" {
		e, err := model.LoadDir(o.cfg.ModelsDir)
		if err != nil {
			return nil, nil, err
		}
		entries = e
	}
	req, err := o.request()
	if err != nil {
		return nil, nil, err
	}
	orch, err := o.orchestrator(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	mgr := manager.New(orch, manager.Config{
		MaxInstances:  o.cfg.MaxInstances,
		MaxQueueDepth: o.cfg.MaxQueueDepth,
		MaxWait:       time.Duration(o.cfg.QueueTimeoutS) * time.Second,
		Logger:        &o.log,
	})
	return httpapi.NewCodecService(mgr, req, entries), mgr, nil
}

// serve runs the HTTP API on ln until ctx is done, then drains in-flight
// requests for up to shutdownGrace.
func (o *options) serve(ctx context.Context, ln net.Listener) error {
	svc, mgr, err := o.newService()
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			o.log.Warn().Err(err).Msg("codec shutdown error")
		}
	}()
	httpapi.SetLogger(o.log)
	httpapi.SetMaxBodyBytes(int64(o.cfg.MaxBodyMB) << 20)
	httpapi.SetCORSOptions(o.cfg.CORSOrigins, nil, nil)
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		o.log.Info().Str("addr", ln.Addr().String()).Str("backend", o.cfg.Backend).
			Str("models_dir", o.cfg.ModelsDir).Msg("vqvdb listening")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		o.log.Warn().Err(err).Msg("graceful shutdown error")
		return err
	}
	o.log.Info().Msg("vqvdb stopped")
	return nil
}
