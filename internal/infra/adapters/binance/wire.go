package binance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/errs"
)

// MarkPriceTick is one decoded mark-price update.
type MarkPriceTick struct {
	Symbol      string
	MarkPrice   decimal.Decimal
	IndexPrice  decimal.Decimal
	FundingRate decimal.Decimal
	EventTime   time.Time
}

type markPriceEvent struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
}

// DecodeMarkPrice parses a markPriceUpdate payload.
func DecodeMarkPrice(data []byte) (MarkPriceTick, error) {
	var event markPriceEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return MarkPriceTick{}, errs.Malformed(Exchange, fmt.Errorf("decode mark price: %w", err))
	}
	symbol := strings.ToUpper(strings.TrimSpace(event.Symbol))
	if symbol == "" {
		return MarkPriceTick{}, errs.Malformed(Exchange, errors.New("mark price without symbol"))
	}
	mark, err := decimal.NewFromString(strings.TrimSpace(event.MarkPrice))
	if err != nil {
		return MarkPriceTick{}, errs.Malformed(Exchange, fmt.Errorf("mark price %q: %w", event.MarkPrice, err))
	}
	tick := MarkPriceTick{
		Symbol:      symbol,
		MarkPrice:   mark,
		IndexPrice:  parseDecimal(event.IndexPrice),
		FundingRate: parseDecimal(event.FundingRate),
		EventTime:   resolveTimestamp(event.EventTime),
	}
	return tick, nil
}

// UserEventKind classifies a private stream message.
type UserEventKind int

const (
	UserEventIgnored UserEventKind = iota
	UserEventOrder
	UserEventAccount
	UserEventMarginCall
	UserEventListenKeyExpired
)

const eventListenKeyExpired futures.UserDataEventType = "listenKeyExpired"

// OrderUpdate is an ORDER_TRADE_UPDATE payload keyed by exchange order id.
type OrderUpdate struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Status        string
	ExecutionType string
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	FilledQty     decimal.Decimal
	EventTime     time.Time
}

// PositionUpdate is one position entry of an ACCOUNT_UPDATE keyed by symbol.
type PositionUpdate struct {
	Symbol        string
	Side          string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	EventTime     time.Time
}

// BalanceUpdate is one balance entry of an ACCOUNT_UPDATE.
type BalanceUpdate struct {
	Asset         string
	WalletBalance decimal.Decimal
	EventTime     time.Time
}

// UserEvent is a classified private stream message.
type UserEvent struct {
	Kind      UserEventKind
	Type      string
	Order     *OrderUpdate
	Positions []PositionUpdate
	Balances  []BalanceUpdate
}

type userEventHeader struct {
	Event futures.UserDataEventType `json:"e"`
}

// handledUserEvents are the event types decoded into a full
// futures.WsUserDataEvent. The library rejects types it does not know, so
// anything else is classified from the header alone.
var handledUserEvents = map[futures.UserDataEventType]UserEventKind{
	futures.UserDataEventTypeOrderTradeUpdate: UserEventOrder,
	futures.UserDataEventTypeAccountUpdate:    UserEventAccount,
	futures.UserDataEventTypeMarginCall:       UserEventMarginCall,
	eventListenKeyExpired:                     UserEventListenKeyExpired,
}

// DecodeUserEvent classifies a user-data message. Payloads that are not JSON
// objects with an event type are reported as malformed; well-formed events of
// an unhandled type are returned as UserEventIgnored.
func DecodeUserEvent(data []byte) (UserEvent, error) {
	var header userEventHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return UserEvent{}, errs.Malformed(Exchange, fmt.Errorf("decode user data: %w", err))
	}
	eventType := header.Event
	if strings.TrimSpace(string(eventType)) == "" {
		return UserEvent{}, errs.Malformed(Exchange, errors.New("user data without event type"))
	}
	if _, ok := handledUserEvents[eventType]; !ok {
		return UserEvent{Kind: UserEventIgnored, Type: string(eventType)}, nil
	}

	var raw futures.WsUserDataEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return UserEvent{}, errs.Malformed(Exchange, fmt.Errorf("decode user data: %w", err))
	}
	eventTime := resolveTimestamp(raw.Time)
	out := UserEvent{Type: string(eventType)}

	switch eventType {
	case futures.UserDataEventTypeOrderTradeUpdate:
		o := raw.OrderTradeUpdate
		if o.ID == 0 || strings.TrimSpace(o.Symbol) == "" {
			return UserEvent{}, errs.Malformed(Exchange, errors.New("order update without id or symbol"))
		}
		out.Kind = UserEventOrder
		out.Order = &OrderUpdate{
			OrderID:       o.ID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        strings.ToUpper(o.Symbol),
			Side:          string(o.Side),
			Status:        string(o.Status),
			ExecutionType: string(o.ExecutionType),
			Price:         parseDecimal(o.OriginalPrice),
			OrigQty:       parseDecimal(o.OriginalQty),
			FilledQty:     parseDecimal(o.AccumulatedFilledQty),
			EventTime:     eventTime,
		}
	case futures.UserDataEventTypeAccountUpdate:
		out.Kind = UserEventAccount
		for _, p := range raw.AccountUpdate.Positions {
			symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
			if symbol == "" {
				continue
			}
			out.Positions = append(out.Positions, PositionUpdate{
				Symbol:        symbol,
				Side:          string(p.Side),
				Amount:        parseDecimal(p.Amount),
				EntryPrice:    parseDecimal(p.EntryPrice),
				UnrealizedPnL: parseDecimal(p.UnrealizedPnL),
				EventTime:     eventTime,
			})
		}
		for _, b := range raw.AccountUpdate.Balances {
			asset := strings.ToUpper(strings.TrimSpace(b.Asset))
			if asset == "" {
				continue
			}
			out.Balances = append(out.Balances, BalanceUpdate{
				Asset:         asset,
				WalletBalance: parseDecimal(b.Balance),
				EventTime:     eventTime,
			})
		}
	default:
		out.Kind = handledUserEvents[eventType]
	}
	return out, nil
}

func parseDecimal(value string) decimal.Decimal {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func resolveTimestamp(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
