package payments

import (
	"context"
	"fmt"
)

// ManualGatewayID is used for orders paid outside any gateway (bank transfer, cash).
const ManualGatewayID = "manual"

// ManualGateway records refunds without moving money. It cannot charge renewals
// automatically.
type ManualGateway struct{}

func (ManualGateway) ID() string {
	return ManualGatewayID
}

func (ManualGateway) Supports(feature Feature) bool {
	return feature == FeatureRefunds
}

func (ManualGateway) Refund(_ context.Context, req RefundRequest) (string, error) {
	return fmt.Sprintf("manual_%d", req.RefundID), nil
}
