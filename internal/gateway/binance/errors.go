package binance

import (
	"errors"
	"strings"

	"hedge-grid/internal/core"
)

const (
	apiCodeCancelRejected    = -2011
	apiCodeOrderNotFound     = -2013
	apiCodeBalanceLow        = -2018
	apiCodeMarginLow         = -2019
	apiCodeNoPositionSide    = -4061
	apiCodePositionSideNoop  = -4059
	apiCodeReduceOnlyReject  = -2022
	apiCodeMinNotionalReject = -4164
)

func wrapAPIError(code int, msg string) error {
	return classifyAPIError(APIError{Code: code, Msg: msg})
}

// classifyAPIError joins the raw exchange error with the sentinel classes
// the rest of the process dispatches on. Unrecognized codes stay plain
// APIError values and are treated as rejections by callers.
func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return errors.Join(apiErr, core.ErrExchangeRejected)
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	var kinds []error
	switch apiErr.Code {
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		kinds = append(kinds, core.ErrOrderNotFound)
	case apiCodeBalanceLow, apiCodeMarginLow:
		kinds = append(kinds, core.ErrInsufficientMargin, core.ErrExchangeRejected)
	case apiCodeNoPositionSide:
		kinds = append(kinds, core.ErrHedgeModeRequired)
	case apiCodeReduceOnlyReject, apiCodeMinNotionalReject:
		kinds = append(kinds, core.ErrExchangeRejected)
	default:
		msg := strings.ToLower(apiErr.Msg)
		if strings.Contains(msg, "margin is insufficient") {
			kinds = append(kinds, core.ErrInsufficientMargin, core.ErrExchangeRejected)
		}
	}
	return kinds
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
