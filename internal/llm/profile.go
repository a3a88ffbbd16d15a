package llm

import "context"

// RequestProfile carries per-turn generation parameters from the session's
// model settings down to the endpoint client.
type RequestProfile struct {
	MaxOutputTokens int
	Temperature     float64
	HasTemperature  bool
}

type requestProfileKey struct{}

func WithRequestProfile(ctx context.Context, profile RequestProfile) context.Context {
	return context.WithValue(ctx, requestProfileKey{}, profile)
}

func RequestProfileFromContext(ctx context.Context) (RequestProfile, bool) {
	profile, ok := ctx.Value(requestProfileKey{}).(RequestProfile)
	return profile, ok
}
