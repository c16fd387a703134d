package gateway

import (
	"net/http"
	"strconv"

	"github.com/openagents/control/pkg/apierr"
)

// CompatibilityConfig fixes the accepted client build/protocol/schema
// window for protected control surfaces.
type CompatibilityConfig struct {
	MinClientBuildID  int
	ProtocolVersion   string
	MinSchemaVersion  int
	MaxSchemaVersion  int
}

// CompatibilityGate rejects requests from clients outside the accepted
// build/protocol/schema window with HTTP 426 and the matching reason.
func CompatibilityGate(cfg CompatibilityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buildHeader := r.Header.Get("x-oa-client-build-id")
			buildID, err := strconv.Atoi(buildHeader)
			if buildHeader == "" || err != nil || buildID < cfg.MinClientBuildID {
				writeUpgradeRequired(w, cfg, apierr.ReasonInvalidClientBuild)
				return
			}

			if r.Header.Get("x-oa-protocol-version") != cfg.ProtocolVersion {
				writeUpgradeRequired(w, cfg, apierr.ReasonUpgradeRequired)
				return
			}

			schemaHeader := r.Header.Get("x-oa-schema-version")
			schemaVersion, err := strconv.Atoi(schemaHeader)
			if schemaHeader == "" || err != nil || schemaVersion < cfg.MinSchemaVersion || schemaVersion > cfg.MaxSchemaVersion {
				writeUpgradeRequired(w, cfg, apierr.ReasonSchemaOutOfWindow)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUpgradeRequired(w http.ResponseWriter, cfg CompatibilityConfig, reason apierr.ReasonCode) {
	w.Header().Set("x-oa-min-client-build-id", strconv.Itoa(cfg.MinClientBuildID))
	w.Header().Set("x-oa-protocol-version", cfg.ProtocolVersion)
	w.Header().Set("x-oa-min-schema-version", strconv.Itoa(cfg.MinSchemaVersion))
	w.Header().Set("x-oa-max-schema-version", strconv.Itoa(cfg.MaxSchemaVersion))
	err := apierr.New(apierr.UpgradeRequired, "client build, protocol, or schema version is outside the accepted window").WithReason(reason)
	apierr.Write(w, err)
}
