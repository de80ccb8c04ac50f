// Package pingpong is a minimal reference Plugin: two players rally a
// served point back and forth until one faults, scoring the other
// player. It exists to exercise the full plugin contract end to end,
// not to be a complete game.
package pingpong

import (
	"fmt"
	"sort"
	"sync"

	"github.com/partyhall/roomengine/internal/v1/plugin"
	"github.com/partyhall/roomengine/internal/v1/types"
)

const (
	ActionServe = "serve"
	ActionHit   = "hit"
	ActionFault = "fault"

	// WinScore ends the match once a player reaches it.
	WinScore = 11
)

// Game is the pingpong Plugin instance for a single room.
type Game struct {
	mu sync.Mutex

	order    []types.PlayerID // fixed serve rotation, set at Init
	server   types.PlayerID
	receiver types.PlayerID
	rally    bool // true once served, awaiting hit/fault
	volleys  int
	scores   map[types.PlayerID]int
	round    int
	winner   types.PlayerID
}

// New is the pingpong plugin.Factory: it returns a fresh Game for
// registration with plugin.Registry.
func New() plugin.Plugin {
	return &Game{scores: make(map[types.PlayerID]int)}
}

func (g *Game) Init(room *types.RoomState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]types.PlayerID, 0, len(room.Players))
	for id := range room.Players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) < 2 {
		return fmt.Errorf("pingpong requires at least 2 players, got %d", len(ids))
	}

	g.order = ids
	g.server = ids[0]
	g.receiver = ids[1]
	g.scores = make(map[types.PlayerID]int, len(ids))
	for _, id := range ids {
		g.scores[id] = 0
	}
	g.round = 1
	return nil
}

func (g *Game) Validate(intent types.Intent, ctx plugin.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.winner != "" {
		return false
	}

	switch intent.Action {
	case ActionServe:
		return !g.rally && intent.PlayerID == g.server
	case ActionHit:
		return g.rally && (intent.PlayerID == g.server || intent.PlayerID == g.receiver)
	case ActionFault:
		return g.rally && (intent.PlayerID == g.server || intent.PlayerID == g.receiver)
	default:
		return false
	}
}

func (g *Game) OnIntent(intent types.Intent, ctx plugin.Context) types.IntentResult {
	return types.IntentResult{
		Success:  true,
		IntentID: intent.ID,
	}
}

// ApplyEvent mutates in-memory rally state. Event.Type is the raw
// intent action name (the pipeline never renames it), so the switch
// matches the Action constants directly rather than synthetic event
// kinds.
func (g *Game) ApplyEvent(event types.Event, ctx plugin.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch event.Type {
	case ActionServe:
		g.rally = true
		g.volleys = 0
	case ActionHit:
		g.volleys++
	case ActionFault:
		g.awardPointLocked(event.Data)
	}
}

// awardPointLocked credits whichever of server/receiver did not commit
// the fault. The faulting player is self-reported in the intent's data
// since the event carries no actor field; an absent or unrecognized
// value ends the rally without scoring.
func (g *Game) awardPointLocked(data map[string]any) {
	faultBy, _ := data["by"].(string)
	var scorer types.PlayerID
	switch types.PlayerID(faultBy) {
	case g.server:
		scorer = g.receiver
	case g.receiver:
		scorer = g.server
	}

	if scorer != "" {
		g.scores[scorer]++
	}
	g.rally = false
	g.volleys = 0
	g.rotateServer()
	g.round++
	g.checkWinner()
}

func (g *Game) rotateServer() {
	g.server, g.receiver = g.receiver, g.server
}

func (g *Game) checkWinner() {
	for id, score := range g.scores {
		if score >= WinScore {
			g.winner = id
			return
		}
	}
}

func (g *Game) SerializeState(room *types.RoomState, playerID types.PlayerID) types.BaseGameState {
	g.mu.Lock()
	defer g.mu.Unlock()

	scores := make(map[string]int, len(g.scores))
	for id, score := range g.scores {
		scores[string(id)] = score
	}

	return types.BaseGameState{
		"server":   string(g.server),
		"receiver": string(g.receiver),
		"rally":    g.rally,
		"volleys":  g.volleys,
		"round":    g.round,
		"scores":   scores,
		"winner":   string(g.winner),
	}
}

func (g *Game) GetRenderDescriptor() types.RenderDescriptor {
	return types.RenderDescriptor{
		Layout: "pingpong_table",
		Data: map[string]any{
			"winScore": WinScore,
		},
	}
}

func (g *Game) Cleanup(room *types.RoomState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scores = nil
	g.order = nil
}

// MigratePlayer moves a score entry and, if the moved player was serving
// or receiving, updates that reference too.
func (g *Game) MigratePlayer(oldID, newID types.PlayerID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if score, ok := g.scores[oldID]; ok {
		delete(g.scores, oldID)
		g.scores[newID] = score
	}
	if g.server == oldID {
		g.server = newID
	}
	if g.receiver == oldID {
		g.receiver = newID
	}
	for i, id := range g.order {
		if id == oldID {
			g.order[i] = newID
		}
	}
}
