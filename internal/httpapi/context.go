package httpapi

import "context"

// serverBaseCtx spans the daemon lifetime. It is canceled when shutdown
// begins so in-flight handlers stop even if their clients stay connected.
var serverBaseCtx = context.Background()

// SetBaseContext installs the daemon-lifetime context. Nil resets to
// Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts derives a context from base that is additionally canceled
// when req ends. The returned cancel must always be called.
func joinContexts(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(req, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
