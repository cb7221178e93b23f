package exchange

import (
	"fmt"
	"net/http"
)

// Definition describes how to read the KAS price from one venue.
type Definition struct {
	Name  string
	URL   string
	Check func(body any) bool // nil means any decodable body is accepted
	Path  []any               // string keys and int indexes leading to the price
}

// definitions are kept in the order snapshots list them by default.
var definitions = []Definition{
	{
		Name:  "bybit",
		URL:   "https://api.bybit.com/v5/market/tickers?category=spot&symbol=KASUSDT",
		Check: fieldEquals("0", "retCode"),
		Path:  []any{"result", "list", 0, "lastPrice"},
	},
	{
		Name:  "kraken",
		URL:   "https://api.kraken.com/0/public/Ticker?pair=KASUSD",
		Check: emptyList("error"),
		Path:  []any{"result", "KASUSD", "c", 0},
	},
	{
		Name:  "kucoin",
		URL:   "https://api.kucoin.com/api/v1/market/orderbook/level1?symbol=KAS-USDT",
		Check: fieldEquals("200000", "code"),
		Path:  []any{"data", "price"},
	},
	{
		Name: "mexc",
		URL:  "https://api.mexc.com/api/v3/ticker/price?symbol=KASUSDT",
		Path: []any{"price"},
	},
	{
		Name:  "coinex",
		URL:   "https://api.coinex.com/v1/market/ticker?market=KASUSDT",
		Check: fieldEquals("0", "code"),
		Path:  []any{"data", "ticker", "last"},
	},
	{
		Name:  "gate",
		URL:   "https://api.gateio.ws/api2/1/ticker/KAS_USDT",
		Check: fieldEquals("true", "result"),
		Path:  []any{"last"},
	},
	{
		Name:  "digifinex",
		URL:   "https://openapi.digifinex.com/v3/ticker?symbol=kas_usdt",
		Check: fieldEquals("0", "code"),
		Path:  []any{"ticker", 0, "last"},
	},
	{
		Name: "xeggex",
		URL:  "https://api.xeggex.com/api/v2/market/info?id=251&symbol=KAS/USDT",
		Path: []any{"lastPrice"},
	},
	{
		Name: "uphold",
		URL:  "https://api.uphold.com/v0/ticker/KAS-USD",
		Path: []any{"ask"},
	},
	{
		Name:  "bitget",
		URL:   "https://api.bitget.com/api/v2/spot/market/tickers?symbol=KASUSDT",
		Check: fieldEquals("00000", "code"),
		Path:  []any{"data", 0, "lastPr"},
	},
	{
		Name:  "lbank",
		URL:   "https://api.lbkex.com/v2/ticker.do?symbol=kas_usdt",
		Check: fieldEquals("true", "result"),
		Path:  []any{"data", 0, "ticker", "latest"},
	},
	{
		Name:  "bydfi",
		URL:   "https://www.bydfi.com/b2b/rank/orderbook?market_pair=KAS_USDT&depth=1",
		Check: fieldEquals("200", "code"),
		Path:  []any{"asks", 0, "price"},
	},
	{
		Name: "btse",
		URL:  "https://api.btse.com/spot/api/v3.2/price?symbol=KAS-USDT",
		Path: []any{0, "lastPrice"},
	},
}

// Names returns all supported venue names in default order.
func Names() []string {
	names := make([]string, len(definitions))
	for i, d := range definitions {
		names[i] = d.Name
	}
	return names
}

// Lookup returns the definition for name.
func Lookup(name string) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// NewSources builds HTTP sources for names, preserving their order.
func NewSources(names []string, client *http.Client) ([]Source, error) {
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		def, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown exchange %q", name)
		}
		sources = append(sources, NewHTTPSource(def, client))
	}
	return sources, nil
}
