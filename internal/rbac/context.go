package rbac

import "context"

type clientContextKey struct{}

type clientInfo struct {
	ip string
	ua string
}

// WithClient stores the caller's network identity for checks made deeper in the stack.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientInfo{ip: ip, ua: userAgent})
}

// ClientFromContext returns the IP address and user agent stored by WithClient.
func ClientFromContext(ctx context.Context) (string, string) {
	info, _ := ctx.Value(clientContextKey{}).(clientInfo)
	return info.ip, info.ua
}
