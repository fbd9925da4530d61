// Package config loads the MME's static configuration surface: served
// TAIs, GUMMEI list, security algorithm ordering, EPS network feature
// bits, timer durations, and the eDNS peer table.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level MME configuration.
type Config struct {
	S1MME         S1MMEConfig         `yaml:"s1mme"`
	S11           S11Config           `yaml:"s11"`
	S10           S10Config           `yaml:"s10"`
	GUMMEIs       []GUMMEI            `yaml:"gummei_list"`
	ServedTAIs    []PartialTAIList    `yaml:"served_tais"`
	Security      SecurityConfig      `yaml:"security"`
	NetworkFeature NetworkFeatureBits `yaml:"eps_network_feature_support"`
	MaxUEs        int                 `yaml:"max_ues"`
	ForceTAU      bool                `yaml:"force_tau"`
	Timers        TimersConfig        `yaml:"timers"`
	EDNS          []EDNSEntry         `yaml:"edns"`
	AdminAPI      AdminAPIConfig      `yaml:"admin_api"`
	Observability ObservabilityConfig `yaml:"observability"`
	Assertions    bool                `yaml:"assertions"`
}

// S1MMEConfig is the local S1-MME listen configuration.
type S1MMEConfig struct {
	IPv4 string `yaml:"ipv4"`
	IPv6 string `yaml:"ipv6"`
	Port int    `yaml:"port"`
}

// S11Config is the local S11 listen configuration.
type S11Config struct {
	IPv4 string `yaml:"ipv4"`
	IPv6 string `yaml:"ipv6"`
	Port int    `yaml:"port"`
}

// S10Config is the local S10 (inter-MME) listen configuration.
type S10Config struct {
	IPv4 string `yaml:"ipv4"`
	IPv6 string `yaml:"ipv6"`
	Port int    `yaml:"port"`
}

// PLMN is a Public Land Mobile Network identity.
type PLMN struct {
	MCC string `yaml:"mcc"`
	MNC string `yaml:"mnc"`
}

// GUMMEI is a Globally Unique MME Identifier.
type GUMMEI struct {
	PLMN        PLMN   `yaml:"plmn"`
	MMEGroupID  uint16 `yaml:"mme_group_id"`
	MMECode     uint8  `yaml:"mme_code"`
}

// TAIListType mirrors the three partial-TAI-list encodings of 3GPP TS 24.301 §9.9.3.33.
type TAIListType int

const (
	// TAIListOnePLMNConsecutiveTACs: one PLMN, a run of consecutive TACs.
	TAIListOnePLMNConsecutiveTACs TAIListType = iota
	// TAIListOnePLMNNonConsecutiveTACs: one PLMN, an explicit list of TACs.
	TAIListOnePLMNNonConsecutiveTACs
	// TAIListDifferentPLMNs: one TAI per distinct PLMN.
	TAIListDifferentPLMNs
)

// PartialTAIList is one served partial TAI list.
type PartialTAIList struct {
	Type TAIListType `yaml:"type"`
	PLMN PLMN        `yaml:"plmn"`
	TACs []uint16    `yaml:"tacs"`
}

// SecurityConfig orders the preferred ciphering/integrity algorithms.
type SecurityConfig struct {
	PreferredIntegrityAlgorithms []string `yaml:"preferred_integrity_algorithms"`
	PreferredCipheringAlgorithms []string `yaml:"preferred_ciphering_algorithms"`
}

// NetworkFeatureBits are the EPS Network Feature Support bits (TS 24.301 §9.9.3.12A).
type NetworkFeatureBits struct {
	EmergencyBearerServicesSupported bool `yaml:"emergency_bearer_services_supported"`
	IMSVoiceOverPSSupported          bool `yaml:"ims_voice_over_ps_supported"`
	LocationServicesViaEPCSupported  bool `yaml:"location_services_via_epc_supported"`
	ExtendedServiceRequestSupported  bool `yaml:"extended_service_request_supported"`
}

// TimersConfig carries every named timer duration spec.md §6 lists.
type TimersConfig struct {
	T3402                  time.Duration `yaml:"t3402"`
	T3412                  time.Duration `yaml:"t3412"`
	T3418                  time.Duration `yaml:"t3418"`
	T3422                  time.Duration `yaml:"t3422"`
	T3450                  time.Duration `yaml:"t3450"`
	T3460                  time.Duration `yaml:"t3460"`
	T3470                  time.Duration `yaml:"t3470"`
	T3485                  time.Duration `yaml:"t3485"`
	T3486                  time.Duration `yaml:"t3486"`
	T3495                  time.Duration `yaml:"t3495"`
	MMES10HandoverCompletion time.Duration `yaml:"mme_s10_handover_completion"`
	MMEMobilityCompletion  time.Duration `yaml:"mme_mobility_completion"`
}

// EDNSEntry maps an APN (optionally TAI-qualified) to a concrete SGW/neighbor-MME peer address.
type EDNSEntry struct {
	APN       string `yaml:"apn"`
	TAC       uint16 `yaml:"tac,omitempty"`
	PeerIPv4  string `yaml:"peer_ipv4"`
	PeerPort  int    `yaml:"peer_port"`
	IsNeighborMME bool `yaml:"is_neighbor_mme"`
}

// AdminAPIConfig is the optional operational HTTP surface.
type AdminAPIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
}

// ObservabilityConfig controls logging and metrics.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxUEs == 0 {
		cfg.MaxUEs = 100000
	}
	if len(cfg.Security.PreferredIntegrityAlgorithms) == 0 {
		cfg.Security.PreferredIntegrityAlgorithms = []string{"EIA2", "EIA1", "EIA0"}
	}
	if len(cfg.Security.PreferredCipheringAlgorithms) == 0 {
		cfg.Security.PreferredCipheringAlgorithms = []string{"EEA2", "EEA1", "EEA0"}
	}
	t := &cfg.Timers
	setDefault(&t.T3402, 12*time.Minute)
	setDefault(&t.T3412, 54*time.Minute)
	setDefault(&t.T3418, 6*time.Second)
	setDefault(&t.T3422, 6*time.Second)
	setDefault(&t.T3450, 6*time.Second)
	setDefault(&t.T3460, 6*time.Second)
	setDefault(&t.T3470, 6*time.Second)
	setDefault(&t.T3485, 8*time.Second)
	setDefault(&t.T3486, 8*time.Second)
	setDefault(&t.T3495, 8*time.Second)
	setDefault(&t.MMES10HandoverCompletion, 10*time.Second)
	setDefault(&t.MMEMobilityCompletion, 10*time.Second)
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// FindEDNSEntry resolves the SGW/neighbor-MME peer address for an APN, preferring
// a TAC-qualified entry over a bare-APN one. It performs no DNS resolution: the
// result is pure name resolution against the statically configured table.
func (c *Config) FindEDNSEntry(apn string, tac uint16) (EDNSEntry, bool) {
	var fallback EDNSEntry
	haveFallback := false
	for _, e := range c.EDNS {
		if !strings.EqualFold(e.APN, apn) {
			continue
		}
		if e.TAC == tac && tac != 0 {
			return e, true
		}
		if e.TAC == 0 {
			fallback = e
			haveFallback = true
		}
	}
	return fallback, haveFallback
}
