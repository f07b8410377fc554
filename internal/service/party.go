package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/config"
	"github.com/xiaot623/huddle/internal/domain"
)

// RegisterParty adds or replaces a party in the directory.
func (s *Service) RegisterParty(ctx context.Context, partyID domain.PartyID, name, endpoint string, mode domain.DeliveryMode) (*domain.Party, error) {
	if partyID == "" {
		return nil, errors.New("party_id is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	switch mode {
	case "":
		mode = domain.DeliverySingleShot
	case domain.DeliverySingleShot, domain.DeliveryStreaming:
	default:
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	if name == "" {
		name = string(partyID)
	}

	party := &domain.Party{
		PartyID:   partyID,
		Name:      name,
		Endpoint:  endpoint,
		Mode:      mode,
		Status:    "registered",
		CreatedAt: time.Now(),
	}
	if err := s.store.RegisterParty(ctx, party); err != nil {
		return nil, fmt.Errorf("failed to register party: %w", err)
	}
	return party, nil
}

// SeedParties registers statically configured parties.
func (s *Service) SeedParties(ctx context.Context, parties []config.PartyConfig) error {
	for _, p := range parties {
		mode := domain.DeliverySingleShot
		if p.Streaming {
			mode = domain.DeliveryStreaming
		}
		if _, err := s.RegisterParty(ctx, domain.PartyID(p.Name), p.Name, p.Endpoint, mode); err != nil {
			return fmt.Errorf("party %s: %w", p.Name, err)
		}
	}
	return nil
}

func (s *Service) ListParties(ctx context.Context) ([]domain.Party, error) {
	parties, err := s.store.ListParties(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list parties: %w", err)
	}
	return parties, nil
}

func (s *Service) GetParty(ctx context.Context, partyID domain.PartyID) (*domain.Party, error) {
	party, err := s.store.GetParty(ctx, partyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get party: %w", err)
	}
	if party == nil {
		return nil, fmt.Errorf("party %s: %w", partyID, domain.ErrNotFound)
	}
	return party, nil
}

// resolveParties returns clients for ids, or for every registered party
// when ids is empty.
func (s *Service) resolveParties(ctx context.Context, ids []domain.PartyID) ([]partyclient.Party, error) {
	var parties []domain.Party
	if len(ids) == 0 {
		all, err := s.ListParties(ctx)
		if err != nil {
			return nil, err
		}
		parties = all
	} else {
		for _, id := range ids {
			p, err := s.GetParty(ctx, id)
			if err != nil {
				return nil, err
			}
			parties = append(parties, *p)
		}
	}
	if len(parties) == 0 {
		return nil, fmt.Errorf("no parties registered: %w", domain.ErrNotFound)
	}

	out := make([]partyclient.Party, 0, len(parties))
	for _, p := range parties {
		out = append(out, partyclient.ForParty(p, s.partyOps...))
	}
	return out, nil
}
