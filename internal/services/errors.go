package services

import "errors"

var (
	ErrInvalidRefundAmount = errors.New("invalid refund amount")
	ErrInvalidRefundItem   = errors.New("invalid refund line item")
	ErrGatewayReversal     = errors.New("payment gateway reversal failed")
	ErrGatewayUnsupported  = errors.New("payment gateway does not support this operation")
)
