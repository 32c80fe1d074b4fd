// Package broadcast is the transport external collaborator from spec.md §6:
// public mempool, a private relay, or a custom endpoint, selected by
// RELAY_MODE.
package broadcast

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"

	"liquidator/internal/chain"
)

// Mode selects the broadcast transport.
type Mode string

const (
	ModeNone       Mode = "none"
	ModeFlashbots  Mode = "flashbots"
	ModeCustom     Mode = "custom"
)

// Transport dispatches a signed transaction through the configured relay.
type Transport interface {
	Broadcast(ctx context.Context, tx *types.Transaction) error
}

// PublicTransport submits directly through the chain RPC client (public
// mempool).
type PublicTransport struct {
	Client chain.Client
}

func (t *PublicTransport) Broadcast(ctx context.Context, tx *types.Transaction) error {
	_, err := t.Client.SendTransaction(ctx, tx)
	return err
}

// PrivateRelayTransport submits via a private relay URL (e.g. Flashbots
// Protect or an operator-run custom relay). The bundle submission protocol
// itself is out of scope (spec.md §1 "RPC transport and reconnection");
// this type only selects the endpoint a concrete transport would post to.
type PrivateRelayTransport struct {
	RelayURL string
	Inner    Transport
}

func (t *PrivateRelayTransport) Broadcast(ctx context.Context, tx *types.Transaction) error {
	if t.Inner == nil {
		return fmt.Errorf("broadcast: no relay transport configured for %s", t.RelayURL)
	}
	return t.Inner.Broadcast(ctx, tx)
}

// New selects a Transport by configured mode.
func New(mode Mode, client chain.Client, privateRelayURL string, custom Transport) (Transport, error) {
	switch mode {
	case ModeNone, "":
		return &PublicTransport{Client: client}, nil
	case ModeFlashbots:
		return &PrivateRelayTransport{RelayURL: privateRelayURL, Inner: custom}, nil
	case ModeCustom:
		if custom == nil {
			return nil, fmt.Errorf("broadcast: custom relay mode requires a configured transport")
		}
		return custom, nil
	default:
		return nil, fmt.Errorf("broadcast: unknown relay mode %q", mode)
	}
}
