// Package applog is the single logging facade used by every engine in Bifrost
// Bridge. Call sites never format ad hoc lines with the standard log package
// directly; they call Emit or one of the typed helpers below so that local
// output, Loki mirroring, and level gating stay consistent across engines.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL  string
	lokiOnce sync.Once
	lokiHTTP = &http.Client{Timeout: 200 * time.Millisecond}

	mu           sync.RWMutex
	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
	jsonFormat   = false
)

// Configure applies the snapshot's logging.level/logging.format at startup,
// the same "set package-level toggles once, read them on every Emit" shape as
// initLoki's info_enabled/debug_enabled/error_enabled wiring below. level
// selects the minimum severity emitted; format selects "text" (default) or
// "json" line encoding.
func Configure(level, format string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		debugEnabled, infoEnabled, errorEnabled = true, true, true
	case "error":
		debugEnabled, infoEnabled, errorEnabled = false, false, true
	case "warn", "warning":
		debugEnabled, infoEnabled, errorEnabled = false, true, true
	default:
		debugEnabled, infoEnabled, errorEnabled = false, true, true
	}
	jsonFormat = strings.EqualFold(strings.TrimSpace(format), "json")
}

// observabilityConfig is the optional secondary config file (distinct from the
// mandatory JSON proxy config) that carries Loki wiring and log-level toggles.
type observabilityConfig struct {
	Metrics *struct {
		LokiURL string `yaml:"loki_url"`
	} `yaml:"metrics"`
	Logging *struct {
		InfoEnabled  *bool `yaml:"info_enabled"`
		DebugEnabled *bool `yaml:"debug_enabled"`
		ErrorEnabled *bool `yaml:"error_enabled"`
	} `yaml:"logging"`
}

func initLoki() {
	var path string
	for _, c := range []string{"configs/observability.yaml", "configs/observability.yml"} {
		if _, err := os.Stat(c); err == nil {
			path = c
			break
		}
	}
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cfg observabilityConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if cfg.Metrics != nil && strings.TrimSpace(cfg.Metrics.LokiURL) != "" {
		lokiURL = strings.TrimSpace(cfg.Metrics.LokiURL)
		if !strings.Contains(lokiURL, "/loki/api/v1/push") {
			lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
		}
	}
	if cfg.Logging != nil {
		if cfg.Logging.InfoEnabled != nil {
			infoEnabled = *cfg.Logging.InfoEnabled
		}
		if cfg.Logging.DebugEnabled != nil {
			debugEnabled = *cfg.Logging.DebugEnabled
		}
		if cfg.Logging.ErrorEnabled != nil {
			errorEnabled = *cfg.Logging.ErrorEnabled
		}
	}
}

func levelEnabled(level string) bool {
	mu.RLock()
	defer mu.RUnlock()
	switch strings.ToLower(level) {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

// testMode suppresses local stdout noise under `go test`, matching the
// teacher's logEnabled() guard.
func testMode() bool {
	return flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil
}

// Emit writes a line locally (unless level is disabled or running under test)
// and mirrors it to Loki with the component name and extra fields as labels.
func Emit(level, component string, fields map[string]string, line string) {
	lokiOnce.Do(initLoki)
	lvl := strings.ToLower(level)
	if !levelEnabled(lvl) {
		return
	}
	if !testMode() {
		writeLocal(lvl, component, line)
	}
	pushLoki(lvl, component, fields, line)
}

func writeLocal(level, component, line string) {
	mu.RLock()
	asJSON := jsonFormat
	mu.RUnlock()
	ts := time.Now().UTC().Format(time.RFC3339)
	if !asJSON {
		fmt.Fprintf(os.Stdout, "%s [%s] %s %s\n", ts, strings.ToUpper(level), component, line)
		return
	}
	rec := struct {
		Time      string `json:"time"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}{ts, level, component, line}
	enc, err := json.Marshal(rec)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stdout, string(enc))
}

func pushLoki(level, component string, fields map[string]string, line string) {
	mu.RLock()
	url := lokiURL
	mu.RUnlock()
	if url == "" {
		return
	}
	labels := map[string]string{"app": component, "level": level}
	for k, v := range fields {
		if strings.TrimSpace(k) == "" {
			continue
		}
		labels[k] = v
	}
	ts := fmt.Sprintf("%d", time.Now().UnixNano())
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{}
	payload.Streams = append(payload.Streams, struct {
		Stream map[string]string `json:"stream"`
		Values [][2]string       `json:"values"`
	}{Stream: labels, Values: [][2]string{{ts, line}}})
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiHTTP.Do(req) // fire-and-forget, mirrors teacher's pushLoki
}

// --- typed helpers, one per engine, matching the teacher's LogProxyRequest shape ---

func LogRoute(routeID string, matched bool, err error) {
	if err != nil {
		Emit("error", "routing", map[string]string{"route_id": routeID}, fmt.Sprintf("predicate evaluation error route=%s err=%v", routeID, err))
		return
	}
	Emit("debug", "routing", map[string]string{"route_id": routeID}, fmt.Sprintf("matched=%v route=%s", matched, routeID))
}

func LogForward(remote, method, target string, status int) {
	Emit("info", "forwardproxy", map[string]string{"method": method, "status": fmt.Sprint(status)},
		fmt.Sprintf("remote=%s method=%s target=%s status=%d", remote, method, target, status))
}

func LogReverse(routeID, targetID, method string, status int, dur time.Duration) {
	Emit("info", "reverseproxy", map[string]string{"route_id": routeID, "target_id": targetID, "status": fmt.Sprint(status)},
		fmt.Sprintf("route=%s target=%s method=%s status=%d dur=%s", routeID, targetID, method, status, dur))
}

func LogPool(originKey string, event string) {
	Emit("debug", "pool", map[string]string{"origin": originKey}, fmt.Sprintf("origin=%s event=%s", originKey, event))
}

func LogHealthProbe(targetID string, healthy bool, mode string) {
	Emit("info", "healthprobe", map[string]string{"target_id": targetID, "healthy": fmt.Sprint(healthy)},
		fmt.Sprintf("target=%s mode=%s healthy=%v", targetID, mode, healthy))
}

func LogRateLimit(ruleID, ip string, rejected bool) {
	lvl := "debug"
	if rejected {
		lvl = "info"
	}
	Emit(lvl, "ratelimit", map[string]string{"rule_id": ruleID, "rejected": fmt.Sprint(rejected)},
		fmt.Sprintf("rule=%s ip=%s rejected=%v", ruleID, ip, rejected))
}

// LogSecret never receives plaintext or ciphertext, only a field path.
func LogSecret(fieldPath string, ok bool) {
	Emit("info", "secretvault", map[string]string{"field": fieldPath, "ok": fmt.Sprint(ok)},
		fmt.Sprintf("field=%s decrypted=%v", fieldPath, ok))
}

func LogStatic(mountPrefix, path string, status int) {
	Emit("debug", "staticfiles", map[string]string{"mount": mountPrefix, "status": fmt.Sprint(status)},
		fmt.Sprintf("mount=%s path=%s status=%d", mountPrefix, path, status))
}
