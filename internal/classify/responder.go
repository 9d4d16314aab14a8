package classify

import (
	"math/rand"

	"github.com/hehehe1cracka/empathic-space-hub/internal/models"
)

// supportiveResponses maps negative emotions to the pool a Responder
// draws from. Neutral and happy messages get no response.
var supportiveResponses = map[models.EmotionTag][]string{
	models.EmotionSad: {
		"I'm sorry you're feeling down. Want to talk about it?",
		"That sounds hard. I'm here if you need me.",
		"Sending you a hug. Things will get better.",
	},
	models.EmotionAngry: {
		"That sounds really frustrating. Take a deep breath.",
		"It's okay to be upset. Want to vent?",
		"I hear you. Let it out.",
	},
	models.EmotionStressed: {
		"Sounds like a lot on your plate. One thing at a time.",
		"Maybe a short break would help? You've earned it.",
		"You're doing your best, and that's enough.",
	},
	models.EmotionAnxious: {
		"Try to breathe slowly. You've got this.",
		"Worrying is exhausting. I'm here with you.",
		"Whatever happens, we'll figure it out together.",
	},
}

// Responder picks a supportive reply for a detected emotion. The random
// source is injected so callers can make the choice deterministic.
type Responder struct {
	rng *rand.Rand
}

func NewResponder(src rand.Source) *Responder {
	return &Responder{rng: rand.New(src)}
}

// Respond returns one of the configured responses for tag, or false when
// the emotion warrants none.
func (r *Responder) Respond(tag models.EmotionTag) (string, bool) {
	pool, ok := supportiveResponses[tag]
	if !ok || len(pool) == 0 {
		return "", false
	}
	return pool[r.rng.Intn(len(pool))], true
}

// Responses returns the configured pool for tag, for display and tests.
func Responses(tag models.EmotionTag) []string {
	return supportiveResponses[tag]
}
