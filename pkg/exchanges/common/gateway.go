package common

import "context"

// Gateway abstracts a derivatives venue. CreateOrder must yield at most one
// order per OrderRequest.ClientID; GetOrder and CancelOrder address orders by
// that same key and return ErrOrderNotFound when the venue has no such order.
type Gateway interface {
	FetchBars(ctx context.Context, symbol, interval string, limit int) ([]Bar, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	FetchBalance(ctx context.Context) (Balance, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrder(ctx context.Context, symbol, clientID string) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientID string) (OrderResult, error)
}
