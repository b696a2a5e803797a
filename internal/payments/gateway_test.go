package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeGateway struct {
	id       string
	features map[Feature]bool
}

func (g fakeGateway) ID() string {
	return g.id
}

func (g fakeGateway) Supports(feature Feature) bool {
	return g.features[feature]
}

func (g fakeGateway) Refund(context.Context, RefundRequest) (string, error) {
	return "re_1", nil
}

func TestRegistrySupports(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(
		ManualGateway{},
		fakeGateway{id: "card", features: map[Feature]bool{FeatureSubscriptions: true, FeatureRefunds: true}},
	)

	tests := []struct {
		gateway string
		feature Feature
		want    bool
	}{
		{gateway: "card", feature: FeatureSubscriptions, want: true},
		{gateway: "card", feature: FeatureRefunds, want: true},
		{gateway: ManualGatewayID, feature: FeatureSubscriptions, want: false},
		{gateway: ManualGatewayID, feature: FeatureRefunds, want: true},
		{gateway: "missing", feature: FeatureRefunds, want: false},
	}
	for _, tt := range tests {
		if got := registry.Supports(tt.gateway, tt.feature); got != tt.want {
			t.Fatalf("Supports(%q, %q) = %v, want %v", tt.gateway, tt.feature, got, tt.want)
		}
	}

	if ids := registry.IDs(); len(ids) != 2 || ids[0] != "card" || ids[1] != ManualGatewayID {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry().Get("nope")
	if !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("expected ErrUnknownGateway, got %v", err)
	}
}

func TestManualGatewayRefund(t *testing.T) {
	t.Parallel()

	ref, err := ManualGateway{}.Refund(context.Background(), RefundRequest{RefundID: 7})
	if err != nil || ref != "manual_7" {
		t.Fatalf("unexpected refund reference %q (%v)", ref, err)
	}
}
