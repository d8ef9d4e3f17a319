package runtime

import (
	"fmt"
	"strconv"
	"time"
)

// Ownership labels attached to every resource Hangar creates.
const (
	LabelManaged   = "hangar.managed"
	LabelUserID    = "hangar.user-id"
	LabelAgentSlug = "hangar.agent-slug"
	LabelCreatedAt = "hangar.created-at"

	ManagedValue = "true"
)

// RouteConfig is what the reverse proxy needs to publish one runtime.
type RouteConfig struct {
	Router       string
	Host         string
	Port         int
	EntryPoint   string
	CertResolver string
}

// RoutingLabels returns the Traefik docker-provider labels for r. Empty
// entry points and cert resolvers are left to the proxy's defaults.
func RoutingLabels(r RouteConfig) map[string]string {
	router := "traefik.http.routers." + r.Router
	service := "traefik.http.services." + r.Router
	labels := map[string]string{
		"traefik.enable":                      "true",
		router + ".rule":                      fmt.Sprintf("Host(`%s`)", r.Host),
		service + ".loadbalancer.server.port": strconv.Itoa(r.Port),
	}
	if r.EntryPoint != "" {
		labels[router+".entrypoints"] = r.EntryPoint
	}
	if r.CertResolver != "" {
		labels[router+".tls.certresolver"] = r.CertResolver
	}
	return labels
}

// OwnershipLabels marks a resource as managed and records its owner and
// creation time for the orphan sweep.
func OwnershipLabels(userID, agentSlug string, createdAt time.Time) map[string]string {
	return map[string]string{
		LabelManaged:   ManagedValue,
		LabelUserID:    userID,
		LabelAgentSlug: agentSlug,
		LabelCreatedAt: createdAt.UTC().Format(time.RFC3339),
	}
}

func labelTime(labels map[string]string) (time.Time, bool) {
	raw, ok := labels[LabelCreatedAt]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
