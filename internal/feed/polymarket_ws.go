package feed

import (
	"context"

	"github.com/alanyoungcy/oddsfeed/internal/platform/polymarket"
)

// PolymarketDialer returns a Dialer for the CLOB market channel at url.
func PolymarketDialer(url string, opts polymarket.WSOptions) Dialer {
	return func(ctx context.Context, tokens []string) (Conn, error) {
		client := polymarket.NewWSClient(url, opts)
		if err := client.Connect(ctx, tokens); err != nil {
			return nil, err
		}
		return client, nil
	}
}

var _ Conn = (*polymarket.WSClient)(nil)
