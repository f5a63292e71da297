package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dagnet/dht"
	"dagnet/models"
	"dagnet/transport"
)

// sessionMessenger implements dht.Messenger with short-lived transport
// sessions: dial, one request, one response, close. The per-query context
// bounds how long a dead node can stall a lookup round.
type sessionMessenger struct {
	trans *transport.Transport
	self  models.PeerAddr
}

var _ dht.Messenger = (*sessionMessenger)(nil)

func (m *sessionMessenger) Ping(ctx context.Context, addr string) (models.PeerAddr, error) {
	env, err := models.NewEnvelope(models.TypeDHTPing, models.DHTPing{From: m.self})
	if err != nil {
		return models.PeerAddr{}, err
	}
	resp, err := m.roundTrip(ctx, addr, env)
	if err != nil {
		return models.PeerAddr{}, err
	}
	if resp.Type != models.TypeDHTPong {
		return models.PeerAddr{}, fmt.Errorf("unexpected reply %s to ping", resp.Type)
	}
	var pong models.DHTPong
	if err := json.Unmarshal(resp.Data, &pong); err != nil {
		return models.PeerAddr{}, err
	}
	return pong.From, nil
}

func (m *sessionMessenger) FindNode(ctx context.Context, addr string, key dht.Key) (models.DHTNodes, error) {
	env, err := models.NewEnvelope(models.TypeDHTFind, models.DHTFind{
		From: m.self,
		Key:  keyHex(key),
	})
	if err != nil {
		return models.DHTNodes{}, err
	}
	resp, err := m.roundTrip(ctx, addr, env)
	if err != nil {
		return models.DHTNodes{}, err
	}
	if resp.Type != models.TypeDHTNodes {
		return models.DHTNodes{}, fmt.Errorf("unexpected reply %s to find", resp.Type)
	}
	var nodes models.DHTNodes
	if err := json.Unmarshal(resp.Data, &nodes); err != nil {
		return models.DHTNodes{}, err
	}
	return nodes, nil
}

func (m *sessionMessenger) Store(ctx context.Context, addr string, key dht.Key, value models.PeerAddr) error {
	env, err := models.NewEnvelope(models.TypeDHTStore, models.DHTStore{
		From:  m.self,
		Key:   keyHex(key),
		Value: value,
	})
	if err != nil {
		return err
	}
	resp, err := m.roundTrip(ctx, addr, env)
	if err != nil {
		return err
	}
	if resp.Type != models.TypeDHTStored {
		return fmt.Errorf("unexpected reply %s to store", resp.Type)
	}
	return nil
}

func (m *sessionMessenger) roundTrip(ctx context.Context, addr string, env models.Envelope) (models.Envelope, error) {
	sess, err := m.trans.Dial(ctx, addr)
	if err != nil {
		return models.Envelope{}, err
	}
	defer sess.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return models.Envelope{}, err
	}
	if err := sess.Send(ctx, data); err != nil {
		return models.Envelope{}, err
	}

	select {
	case raw, ok := <-sess.Receive():
		if !ok {
			if err := sess.Err(); err != nil {
				return models.Envelope{}, err
			}
			return models.Envelope{}, errors.New("session closed before reply")
		}
		var resp models.Envelope
		if err := json.Unmarshal(raw, &resp); err != nil {
			return models.Envelope{}, err
		}
		return resp, nil
	case <-ctx.Done():
		return models.Envelope{}, ctx.Err()
	}
}
