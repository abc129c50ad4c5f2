package simulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// simService is served as the "sim" namespace.
type simService struct {
	gotLegs   []Leg
	gotTarget hexutil.Uint64
	result    Result
	err       error
}

func (s *simService) SimulateLegs(legs []Leg, target hexutil.Uint64) (Result, error) {
	s.gotLegs, s.gotTarget = legs, target
	return s.result, s.err
}

func newTestClient(t *testing.T, svc *simService) *Client {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("sim", svc))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		hs.Close()
		srv.Stop()
	})
	c, err := Dial(context.Background(), hs.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSimulate(t *testing.T) {
	svc := &simService{result: Result{
		NetProfit:  2.35,
		GasUsed:    210_000,
		LegGasUsed: []hexutil.Uint64{100_000, 110_000},
	}}
	c := newTestClient(t, svc)
	legs := []domain.Leg{
		{Venue: "X", Pair: domain.Pair{Base: "ETH", Quote: "USDC"}, Direction: domain.DirectionBuy, Amount: 1, Price: 100},
		{Venue: "Y", Pair: domain.Pair{Base: "ETH", Quote: "USDC"}, Direction: domain.DirectionSell, Amount: 1, Price: 103},
	}

	res, err := c.Simulate(context.Background(), legs, 1234)
	require.NoError(t, err)
	assert.InDelta(t, 2.35, res.NetProfit, 1e-12)
	assert.Equal(t, uint64(210_000), res.GasUsed)
	assert.Equal(t, []uint64{100_000, 110_000}, res.LegGasUsed)
	assert.Equal(t, hexutil.Uint64(1234), svc.gotTarget)
	require.Len(t, svc.gotLegs, 2)
	assert.Equal(t, "sell", svc.gotLegs[1].Direction)
	assert.Equal(t, "USDC", svc.gotLegs[0].Quote)
}

func TestSimulate_Revert(t *testing.T) {
	c := newTestClient(t, &simService{result: Result{Reverted: true, RevertReason: "INSUFFICIENT_OUTPUT"}})

	res, err := c.Simulate(context.Background(), []domain.Leg{{Venue: "X"}}, 1)
	require.NoError(t, err)
	assert.True(t, res.Reverted)
	assert.Equal(t, "INSUFFICIENT_OUTPUT", res.RevertReason)
	assert.Nil(t, res.LegGasUsed)
}

func TestSimulate_ServiceError(t *testing.T) {
	c := newTestClient(t, &simService{err: errors.New("fork unavailable")})

	_, err := c.Simulate(context.Background(), []domain.Leg{{Venue: "X"}}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fork unavailable")
}
