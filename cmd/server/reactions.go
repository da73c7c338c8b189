package main

import (
	"fmt"
	"log"

	"realmgrid.dev/internal/protocol"
	"realmgrid.dev/internal/realm"
)

// Event types routed between realms by default. Collaborators may queue any
// type; these are the ones the built-in rules react to.
const (
	eventPlayerTransition = "player.transition"
	eventResonancePulse   = "resonance.pulse"
	eventNarrativeBeat    = "narrative.beat"
)

func wireDefaultReactions(eng *realm.Engine, logger *log.Logger) {
	rules := []realm.ReactionRule{
		{
			// A player arrival produces one narrative beat for the
			// dialogue collaborator to pick up.
			Name:        "arrival_beat",
			TriggerType: eventPlayerTransition,
			MaxDepth:    1,
			Handler: func(ev realm.Event) ([]realm.Event, error) {
				pt, ok := ev.Payload.(protocol.PlayerTransition)
				if !ok {
					return nil, nil
				}
				return []realm.Event{{
					Type: eventNarrativeBeat,
					Payload: protocol.NarrativeBeat{
						Scope: pt.ToRealm,
						Text:  fmt.Sprintf("player %s arrives from %s", pt.PlayerID, pt.FromRealm),
					},
				}}, nil
			},
		},
		{
			// Pulses echo at half magnitude until they fade or hit the
			// depth limit, one echo per tick.
			Name:        "pulse_decay",
			TriggerType: eventResonancePulse,
			MaxDepth:    4,
			Handler: func(ev realm.Event) ([]realm.Event, error) {
				p, ok := ev.Payload.(protocol.ResonancePulse)
				if !ok || p.Magnitude < 0.1 {
					return nil, nil
				}
				return []realm.Event{{
					Type:    eventResonancePulse,
					Payload: protocol.ResonancePulse{Key: p.Key, Magnitude: p.Magnitude / 2},
				}}, nil
			},
		},
	}
	for _, r := range rules {
		if err := eng.RegisterReaction(r); err != nil {
			logger.Fatalf("register reaction %s (%s): %v", r.Name, eng.RealmID(), err)
		}
	}
}
