package relay

import (
	"encoding/json"
	"net/http"
)

// Version is stamped into the relay information document.
var Version = "0.1.0"

// infoDocument is the relay information document served on GET with
// Accept: application/nostr+json. The limitation values are the enforced
// values; nothing is advertised that the session does not hold clients to.
type infoDocument struct {
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Pubkey        string     `json:"pubkey"`
	SupportedNIPs []int      `json:"supported_nips"`
	Software      string     `json:"software"`
	Version       string     `json:"version"`
	Limitation    limitation `json:"limitation"`
}

type limitation struct {
	MaxMessageLength    int   `json:"max_message_length"`
	MaxSubscriptions    int   `json:"max_subscriptions"`
	MaxSubIDLength      int   `json:"max_subid_length"`
	MaxLimit            int   `json:"max_limit"`
	MaxContentLength    int   `json:"max_content_length,omitempty"`
	MaxEventTags        int   `json:"max_event_tags,omitempty"`
	DefaultLimit        int   `json:"default_limit"`
	MinPowDifficulty    int   `json:"min_pow_difficulty,omitempty"`
	AuthRequired        bool  `json:"auth_required"`
	RestrictedWrites    bool  `json:"restricted_writes"`
	PaymentRequired     bool  `json:"payment_required"`
	CreatedAtLowerLimit int64 `json:"created_at_lower_limit,omitempty"`
	CreatedAtUpperLimit int64 `json:"created_at_upper_limit,omitempty"`
}

func (r *Relay) infoDocument() infoDocument {
	limits := r.cfg.Limits
	return infoDocument{
		Name:          r.cfg.Name,
		Description:   r.cfg.Description,
		Pubkey:        r.cfg.AdminPubkey,
		SupportedNIPs: []int{1, 11, 13, 42},
		Software:      "https://github.com/klingon-exchange/burrow",
		Version:       Version,
		Limitation: limitation{
			MaxMessageLength:    int(limits.MaxMessageLength),
			MaxSubscriptions:    limits.MaxSubscriptions,
			MaxSubIDLength:      limits.MaxSubIDLength,
			MaxLimit:            limits.MaxLimit,
			MaxContentLength:    r.cfg.Policy.Events.MaxContentLength,
			MaxEventTags:        limits.MaxEventTags,
			DefaultLimit:        limits.DefaultLimit,
			MinPowDifficulty:    r.policy.MinPow(),
			AuthRequired:        r.policy.AuthRequired(),
			RestrictedWrites:    r.policy.RestrictedWrites(),
			PaymentRequired:     r.policy.PaymentRequired(),
			CreatedAtLowerLimit: limits.CreatedAtLowerLimit,
			CreatedAtUpperLimit: limits.CreatedAtUpperLimit,
		},
	}
}

func (r *Relay) serveInfoDocument(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(r.infoDocument()); err != nil {
		r.log.Error("failed to write info document", "error", err)
	}
}
