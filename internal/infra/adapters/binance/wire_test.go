package binance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
)

func TestDecodeMarkPrice(t *testing.T) {
	payload := []byte(`{"e":"markPriceUpdate","E":1562305380000,"s":"btcusdt","p":"11794.15000000","i":"11784.62659091","P":"11784.25641265","r":"0.00038167","T":1562306400000}`)
	tick, err := DecodeMarkPrice(payload)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", tick.Symbol)
	require.True(t, tick.MarkPrice.Equal(decimal.RequireFromString("11794.15")))
	require.True(t, tick.FundingRate.Equal(decimal.RequireFromString("0.00038167")))
	require.Equal(t, time.UnixMilli(1562305380000).UTC(), tick.EventTime)
}

func TestDecodeMarkPriceRejectsGarbage(t *testing.T) {
	for _, payload := range []string{`not json`, `{"e":"markPriceUpdate","p":"1"}`, `{"s":"BTCUSDT","p":"abc"}`} {
		_, err := DecodeMarkPrice([]byte(payload))
		require.True(t, errs.IsCode(err, errs.CodeMalformed), payload)
	}
}

func TestDecodeOrderTradeUpdate(t *testing.T) {
	payload := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1568879465651,"T":1568879465650,"o":{
		"s":"BTCUSDT","c":"client-1","S":"SELL","o":"LIMIT","f":"GTC","q":"0.001","p":"9910","ap":"0",
		"sp":"0","x":"NEW","X":"NEW","i":8886774,"l":"0","z":"0","L":"0","T":1568879465651,"t":0,
		"b":"0","a":"9.91","m":false,"R":false,"wt":"CONTRACT_PRICE","ot":"LIMIT","ps":"BOTH"}}`)
	event, err := DecodeUserEvent(payload)
	require.NoError(t, err)
	require.Equal(t, UserEventOrder, event.Kind)
	require.NotNil(t, event.Order)
	require.Equal(t, int64(8886774), event.Order.OrderID)
	require.Equal(t, "client-1", event.Order.ClientOrderID)
	require.Equal(t, "NEW", event.Order.Status)
	require.True(t, event.Order.Price.Equal(decimal.NewFromInt(9910)))
	require.True(t, event.Order.OrigQty.Equal(decimal.RequireFromString("0.001")))
}

func TestDecodeAccountUpdate(t *testing.T) {
	payload := []byte(`{"e":"ACCOUNT_UPDATE","E":1564745798939,"T":1564745798938,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"122624.12345678","cw":"100.12345678","bc":"50.12345678"},{"a":"","wb":"1"}],
		"P":[{"s":"BTCUSDT","pa":"0.002","ep":"9900.0","cr":"200","up":"0.29","mt":"isolated","iw":"0","ps":"LONG"},
		     {"s":"ethusdt","pa":"-1","ep":"1800","up":"0","ps":"SHORT"}]}}`)
	event, err := DecodeUserEvent(payload)
	require.NoError(t, err)
	require.Equal(t, UserEventAccount, event.Kind)
	require.Len(t, event.Positions, 2)
	require.Equal(t, "BTCUSDT", event.Positions[0].Symbol)
	require.Equal(t, "LONG", event.Positions[0].Side)
	require.True(t, event.Positions[0].Amount.Equal(decimal.RequireFromString("0.002")))
	require.Equal(t, "ETHUSDT", event.Positions[1].Symbol)
	require.Len(t, event.Balances, 1)
	require.Equal(t, "USDT", event.Balances[0].Asset)
}

func TestDecodeUserEventKinds(t *testing.T) {
	cases := map[string]UserEventKind{
		`{"e":"listenKeyExpired","E":1576653824250}`:              UserEventListenKeyExpired,
		`{"e":"MARGIN_CALL","E":1587727187525,"cw":"3.16812045"}`: UserEventMarginCall,
		`{"e":"ACCOUNT_CONFIG_UPDATE","E":1611646737479,"T":1}`:   UserEventIgnored,
		`{"e":"TRADE_LITE","E":1721895408092,"T":1721895408214}`:  UserEventIgnored,
	}
	for payload, kind := range cases {
		event, err := DecodeUserEvent([]byte(payload))
		require.NoError(t, err, payload)
		require.Equal(t, kind, event.Kind, payload)
	}
}

func TestDecodeUserEventUnknownTypesAreIgnored(t *testing.T) {
	for _, payload := range []string{
		`{"e":"STRATEGY_UPDATE","T":1669710366000,"E":1669710366010,"su":{"si":176054594,"st":"GRID","ss":"NEW","s":"BTCUSDT","ut":1669710366000,"c":8007}}`,
		`{"e":"GRID_UPDATE","T":1669262908216,"E":1669262908218,"gu":{"si":176057039,"st":"GRID","ss":"WORKING","s":"BTCUSDT","r":"-0.00300716"}}`,
		`{"e":"SOMETHING_NEW","E":1}`,
	} {
		event, err := DecodeUserEvent([]byte(payload))
		require.NoError(t, err, payload)
		require.Equal(t, UserEventIgnored, event.Kind, payload)
		require.NotEmpty(t, event.Type, payload)
		require.Nil(t, event.Order, payload)
	}
}

func TestDecodeUserEventMalformed(t *testing.T) {
	for _, payload := range []string{
		`{{`,
		`[]`,
		`{"E":1}`,
		`{"e":"  ","E":1}`,
		`{"e":"ORDER_TRADE_UPDATE","E":1,"o":{"s":"BTCUSDT"}}`,
	} {
		_, err := DecodeUserEvent([]byte(payload))
		require.True(t, errs.IsCode(err, errs.CodeMalformed), payload)
	}
}
