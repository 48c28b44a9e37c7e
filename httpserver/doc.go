/*
Package httpserver runs the provisioning API behind the usual operational endpoints.

Route groups are contributed by RouteRegistrar implementations (the blockchain handler in
production). Every request goes through the slog access logger and a panic recoverer.

# Operational Endpoints

  - GET /livez: always {"status":"alive"}
  - GET /readyz: 200 while ready, 503 while draining
  - GET /drain: marks the server not ready ahead of a shutdown
  - GET /undrain: marks the server ready again
  - /debug/pprof/*: only with EnablePprof

Prometheus collectors are served separately on MetricsAddr.

# Example Usage

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
	    ListenAddr:               "127.0.0.1:8080",
	    MetricsAddr:              "127.0.0.1:8090",
	    Log:                      logger,
	    GracefulShutdownDuration: 30 * time.Second,
	}, blockchain.NewHandler(chain, registry, meta, logger))
	if err != nil {
	    return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
