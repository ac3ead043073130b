package binance

import "strconv"

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type positionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

type positionRiskResponse struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	PositionAmt  string `json:"positionAmt"`
}

type openOrderResponse struct {
	Symbol       string `json:"symbol"`
	OrderID      int64  `json:"orderId"`
	PositionSide string `json:"positionSide"`
	ReduceOnly   bool   `json:"reduceOnly"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	OrigQty      string `json:"origQty"`
	ExecutedQty  string `json:"executedQty"`
	Time         int64  `json:"time"`
}

type orderResponse struct {
	Symbol       string `json:"symbol"`
	OrderID      int64  `json:"orderId"`
	PositionSide string `json:"positionSide"`
	ReduceOnly   bool   `json:"reduceOnly"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	OrigQty      string `json:"origQty"`
	ExecutedQty  string `json:"executedQty"`
	UpdateTime   int64  `json:"updateTime"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol  string `json:"symbol"`
	Filters []struct {
		FilterType string `json:"filterType"`
		TickSize   string `json:"tickSize"`
		StepSize   string `json:"stepSize"`
		MinQty     string `json:"minQty"`
	} `json:"filters"`
}

type bookTickerEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	BestBid   string `json:"b"`
	BidQty    string `json:"B"`
	BestAsk   string `json:"a"`
	AskQty    string `json:"A"`
	EventTime int64  `json:"E"`
}

type orderTradeUpdateEvent struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		PositionSide  string `json:"ps"`
		ReduceOnly    bool   `json:"R"`
		ExecutionType string `json:"x"`
		Status        string `json:"X"`
		Price         string `json:"p"`
		OrigQty       string `json:"q"`
		CumFilledQty  string `json:"z"`
		LastFilledQty string `json:"l"`
	} `json:"o"`
}

type accountUpdateEvent struct {
	EventType string `json:"e"`
	Data      struct {
		Positions []struct {
			Symbol       string `json:"s"`
			PositionSide string `json:"ps"`
			PositionAmt  string `json:"pa"`
		} `json:"P"`
	} `json:"a"`
}
