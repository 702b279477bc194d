// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// Node types.
const (
	NodeBegin         = "begin"
	NodeReadSignals   = "read_signals"
	NodeGeoCheck      = "geolocation_check"
	NodeCheckCaptcha  = "check_captcha"
	NodePromptUI      = "prompt_ui"
	NodeRequireReauth = "require_reauth"
	NodeMetadataWrite = "metadata_write"
	NodeMFATOTP       = "mfa_totp"
	NodeMFASMS        = "mfa_sms"
	NodeMFAEmail      = "mfa_email"
	NodeMFAWebAuthn   = "mfa_webauthn"
	NodeFinish        = "finish"
)

// Node is one step of a flow, stored embedded in the flow's nodes
// array. Config is decoded into the type-specific struct at load.
type Node struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Order         int             `json:"order"`
	Config        json.RawMessage `json:"config,omitempty"`
	UiPromptID    string          `json:"uiPromptId,omitempty"`
	FailureNodeID string          `json:"failureNodeId,omitempty"`
}

// IsMFA reports whether the node is one of the mfa_* variants.
func (n *Node) IsMFA() bool { return strings.HasPrefix(n.Type, "mfa_") }

// GeoCheckConfig compares the current country against a value stored
// in user metadata.
type GeoCheckConfig struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// CaptchaConfig configures a check_captcha node. VerifyURL overrides
// the provider's verification endpoint, used by tests.
type CaptchaConfig struct {
	Provider  string  `json:"provider"`
	Secret    string  `json:"secret"`
	MinScore  float64 `json:"minScore,omitempty"`
	VerifyURL string  `json:"verifyUrl,omitempty"`
}

// ActionRoute maps a submitted prompt action to the next node. An
// empty NextNodeID with Failure set routes to the node's
// failureNodeId.
type ActionRoute struct {
	NextNodeID string `json:"nextNodeId,omitempty"`
	Failure    bool   `json:"failure,omitempty"`
}

// PromptConfig configures prompt_ui and require_reauth nodes.
type PromptConfig struct {
	ActionRouting map[string]ActionRoute `json:"actionRouting,omitempty"`
}

// MetadataWriteConfig upserts fixed values into a user metadata
// namespace.
type MetadataWriteConfig struct {
	Namespace string         `json:"namespace"`
	Values    map[string]any `json:"values"`
}

// MFAConfig configures the mfa_* nodes. Meta is passed through to the
// prompt descriptor so the front end can render the challenge; Field
// names the submission field carrying the response (default "code").
type MFAConfig struct {
	Field string         `json:"field,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// ParseNodes decodes and validates a flow's node array, returning the
// nodes ordered ascending by Order.
func ParseNodes(raw storage.RawJSON) ([]Node, error) {
	var nodes []Node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("decoding flow nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("flow has no nodes")
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Order < nodes[j].Order })

	seen := make(map[string]bool, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("flow node %d has no id", i)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate flow node id %q", n.ID)
		}
		seen[n.ID] = true
		if err := validateNode(n); err != nil {
			return nil, fmt.Errorf("flow node %q: %w", n.ID, err)
		}
	}

	// Jump targets must exist.
	for i := range nodes {
		n := &nodes[i]
		if n.FailureNodeID != "" && !seen[n.FailureNodeID] {
			return nil, fmt.Errorf("flow node %q: unknown failureNodeId %q", n.ID, n.FailureNodeID)
		}
		if n.Type == NodePromptUI || n.Type == NodeRequireReauth {
			cfg, _ := decodePromptConfig(n)
			for action, route := range cfg.ActionRouting {
				if route.NextNodeID != "" && !seen[route.NextNodeID] {
					return nil, fmt.Errorf("flow node %q: action %q routes to unknown node %q", n.ID, action, route.NextNodeID)
				}
			}
		}
	}
	return nodes, nil
}

func validateNode(n *Node) error {
	switch n.Type {
	case NodeBegin, NodeReadSignals, NodeFinish:
		return nil
	case NodeGeoCheck:
		cfg, err := decodeConfig[GeoCheckConfig](n)
		if err != nil {
			return err
		}
		if cfg.Namespace == "" || cfg.Key == "" {
			return fmt.Errorf("geolocation_check requires namespace and key")
		}
		return nil
	case NodeCheckCaptcha:
		cfg, err := decodeConfig[CaptchaConfig](n)
		if err != nil {
			return err
		}
		switch cfg.Provider {
		case CaptchaTurnstile, CaptchaHCaptcha, CaptchaMock:
		default:
			return fmt.Errorf("unknown captcha provider %q", cfg.Provider)
		}
		if cfg.Provider != CaptchaMock && cfg.Secret == "" {
			return fmt.Errorf("captcha provider %s requires a secret", cfg.Provider)
		}
		return nil
	case NodePromptUI, NodeRequireReauth:
		if n.UiPromptID == "" {
			return fmt.Errorf("%s requires uiPromptId", n.Type)
		}
		_, err := decodePromptConfig(n)
		return err
	case NodeMetadataWrite:
		cfg, err := decodeConfig[MetadataWriteConfig](n)
		if err != nil {
			return err
		}
		if cfg.Namespace == "" || len(cfg.Values) == 0 {
			return fmt.Errorf("metadata_write requires namespace and values")
		}
		return nil
	case NodeMFATOTP, NodeMFASMS, NodeMFAEmail, NodeMFAWebAuthn:
		_, err := decodeConfig[MFAConfig](n)
		return err
	default:
		return fmt.Errorf("unknown node type %q", n.Type)
	}
}

// decodeConfig decodes a node's config into T; a missing config
// yields the zero value.
func decodeConfig[T any](n *Node) (T, error) {
	var cfg T
	if len(n.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(n.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding %s config: %w", n.Type, err)
	}
	return cfg, nil
}

func decodePromptConfig(n *Node) (PromptConfig, error) {
	return decodeConfig[PromptConfig](n)
}
