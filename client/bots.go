package client

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Virtual players are a rendering concern. They are fabricated locally so
// the online panel feels populated, wander the playfield on a timer, and
// are merged into the display list next to the real, server-tracked
// players. They are never sent to the relay and the registry never hears
// about them.

const (
	// GridSize matches the playfield the browser client renders.
	GridSize = 20

	// MaxDisplayPlayers caps the merged online panel.
	MaxDisplayPlayers = 20
)

type botSeed struct {
	username  string
	baseScore int
}

var botRoster = []botSeed{
	{"Snaky", 150},
	{"Lolipop", 120},
	{"VipérionPRO", 200},
	{"SnakeKing", 180},
	{"Serpentard", 160},
	{"CobraMaster", 190},
	{"PythonGamer", 140},
	{"AnacondaPro", 170},
}

var chatBots = []struct {
	name  string
	lines []string
}{
	{"SnakeBot", []string{
		"Nice one!",
		"Watch the wall!",
		"You can do it!",
		"New record incoming!",
		"What a game!",
	}},
	{"ProGamer", []string{
		"GG!",
		"Wow, great run!",
		"You're going to beat the record!",
		"Impressive!",
		"Keep it up!",
	}},
	{"CoachSnake", []string{
		"Try to plan your moves ahead",
		"Patience is the key",
		"Stay focused on the target",
		"You're improving!",
		"Practice makes perfect",
	}},
}

// VirtualPlayer is one fabricated entry plus the wandering state that
// animates it.
type VirtualPlayer struct {
	Player

	pos   [2]float64
	dir   [2]float64
	speed float64
}

// BotPool owns a fixed set of virtual players.
type BotPool struct {
	mu   sync.Mutex
	bots []*VirtualPlayer
	rng  *rand.Rand
}

// NewBotPool fabricates n virtual players from the roster, each with a
// random starting position, heading and speed. n is clamped to the
// roster size.
func NewBotPool(n int) *BotPool {
	if n <= 0 || n > len(botRoster) {
		n = len(botRoster)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	pool := &BotPool{rng: rng}

	for _, seed := range botRoster[:n] {
		pool.bots = append(pool.bots, &VirtualPlayer{
			Player: Player{
				ID:       fmt.Sprintf("bot-%08x", rng.Uint32()),
				Username: seed.username,
				Score:    seed.baseScore,
				Virtual:  true,
			},
			pos: [2]float64{
				float64(rng.Intn(GridSize)),
				float64(rng.Intn(GridSize)),
			},
			dir: [2]float64{
				pickDirection(rng),
				pickDirection(rng),
			},
			speed: 0.1 + rng.Float64()*0.2,
		})
	}

	return pool
}

func pickDirection(rng *rand.Rand) float64 {
	if rng.Float64() > 0.5 {
		return 1
	}
	return -1
}

// Advance moves every bot one step, bouncing off the playfield edges,
// and occasionally nudges a score so the panel looks alive.
func (p *BotPool) Advance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.bots {
		for axis := 0; axis < 2; axis++ {
			next := b.pos[axis] + b.dir[axis]*b.speed
			if next <= 0 {
				next = 0
				b.dir[axis] *= -1
			}
			if next >= GridSize-1 {
				next = GridSize - 1
				b.dir[axis] *= -1
			}
			b.pos[axis] = next
		}

		if p.rng.Float64() < 0.05 {
			b.Score += p.rng.Intn(10)
		}
	}
}

// Players returns the current fabricated entries.
func (p *BotPool) Players() []Player {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Player, 0, len(p.bots))
	for _, b := range p.bots {
		out = append(out, b.Player)
	}
	return out
}

// ChatLine picks a canned line from one of the chat bots.
func (p *BotPool) ChatLine() (username, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bot := chatBots[p.rng.Intn(len(chatBots))]
	return bot.name, bot.lines[p.rng.Intn(len(bot.lines))]
}

// Merge combines the server-tracked list with fabricated entries for
// display: real players first, capped at MaxDisplayPlayers. The result
// is presentation state only and must never be sent back to the relay.
func Merge(online, bots []Player) []Player {
	out := make([]Player, 0, len(online)+len(bots))
	for _, p := range online {
		if !p.Virtual {
			out = append(out, p)
		}
	}
	out = append(out, bots...)

	if len(out) > MaxDisplayPlayers {
		out = out[:MaxDisplayPlayers]
	}
	return out
}
