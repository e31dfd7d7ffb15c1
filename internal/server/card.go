package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentbridge/bridge/internal/task"
)

const protocolVersion = "0.2.0"

// capabilityCard builds the machine-readable capability document served at
// the well-known aliases and over agent/describe. It is assembled per request
// so config reloads and trust changes are never stale.
func (s *Server) capabilityCard() map[string]any {
	card := map[string]any{
		"name":            s.cfg.Agent.Name,
		"description":     s.cfg.Agent.Description,
		"version":         s.cfg.Agent.Version,
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"streaming":         true,
			"pushNotifications": false,
			"cancellation":      true,
		},
		"authentication": map[string]any{
			"schemes": s.resolver.Schemes(),
		},
		"skills":           s.skills(),
		"documentationUrl": "/llms.txt",
		"metadata": map[string]any{
			"updatedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if s.cfg.Agent.Provider != "" {
		card["provider"] = map[string]any{"organization": s.cfg.Agent.Provider}
	}

	if s.dispatcher.EscrowConfigured() {
		card["trust"] = map[string]any{
			"escrow":      true,
			"providerDid": s.cfg.Escrow.ProviderDID,
		}
	}

	switch {
	case s.cfg.Payment != nil && s.cfg.Payment.Enabled:
		card["payment"] = map[string]any{
			"scheme":                "x402",
			"usdcAddress":           s.cfg.Payment.USDCAddress,
			"payTo":                 s.cfg.Payment.PayTo,
			"validityPeriodSeconds": s.cfg.Payment.ValidityPeriodSeconds,
		}
	case s.cfg.PricePerTask > 0:
		card["defaultPricing"] = map[string]any{
			"amount":   fmt.Sprintf("%g", s.cfg.PricePerTask),
			"currency": "USDC",
			"unit":     "task",
		}
	}

	return card
}

func (s *Server) skills() []map[string]any {
	kinds := task.Kinds()
	skills := make([]map[string]any, 0, len(kinds))
	for _, kind := range kinds {
		skill := map[string]any{
			"id":   kind,
			"name": kind,
			"sla": map[string]any{
				"maxTimeoutSeconds": task.MaxTimeoutSeconds,
			},
		}
		if s.cfg.PricePerTask > 0 {
			skill["pricing"] = map[string]any{
				"amount":   fmt.Sprintf("%g", s.cfg.PricePerTask),
				"currency": "USDC",
			}
		}
		skills = append(skills, skill)
	}
	return skills
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.capabilityCard())
}

// handleLLMSTxt serves a plain-text description aimed at language-model
// crawlers, mirroring the capability card.
func (s *Server) handleLLMSTxt(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.cfg.Agent.Name)
	if s.cfg.Agent.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", s.cfg.Agent.Description)
	}
	b.WriteString("## Endpoints\n")
	b.WriteString("- POST /task — submit a task (add ?wait=true to block for the result)\n")
	b.WriteString("- GET /task/{id} — poll a task\n")
	b.WriteString("- DELETE /task/{id} — cancel a task\n")
	b.WriteString("- POST /a2a — JSON-RPC 2.0 (message/send, tasks/get, tasks/cancel)\n")
	b.WriteString("- GET /.well-known/agent.json — capability card\n")
	b.WriteString("- POST /sandbox — free trial, no credentials needed\n\n")
	b.WriteString("## Skills\n")
	for _, kind := range task.Kinds() {
		fmt.Fprintf(&b, "- %s\n", kind)
	}
	b.WriteString("\n## Authentication\n")
	fmt.Fprintf(&b, "Accepted schemes: %s\n", strings.Join(s.resolver.Schemes(), ", "))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}
