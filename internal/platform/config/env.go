package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// env looks keys up in the explicit map, then the OS, then .env.
type env struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func newEnv(options loaderOptions) (env, error) {
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return env{}, err
	}
	return env{explicit: options.envMap, system: options.useSystemEnv, dotenv: dotenv}, nil
}

func (e env) lookup(key string) (string, bool) {
	if value, ok := e.explicit[key]; ok {
		return value, true
	}
	if e.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := e.dotenv[key]
	return value, ok
}

func (e env) merged() map[string]string {
	out := make(map[string]string, len(e.dotenv))
	for k, v := range e.dotenv {
		out[k] = v
	}
	if e.system {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
				out[key] = value
			}
		}
	}
	for k, v := range e.explicit {
		out[k] = v
	}
	return out
}

func (e env) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (e env) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (e env) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(e.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (e env) boolean(key string, fallback bool) bool {
	switch strings.ToLower(e.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (e env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value" with lower cased names.
func (e env) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// parsePromoCatalog reads CODE:PERCENT:MINIMUM[:YYYY-MM-DD] entries separated by commas.
// The optional date is the last valid day, inclusive, in UTC.
func parsePromoCatalog(raw string) ([]PromoEntry, error) {
	var out []PromoEntry
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("config: promo entry %q must be CODE:PERCENT:MINIMUM[:DATE]", entry)
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil || !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("config: promo %q percent out of range", parts[0])
		}
		minimum, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
		if err != nil || minimum.IsNegative() {
			return nil, fmt.Errorf("config: promo %q minimum invalid", parts[0])
		}
		promo := PromoEntry{
			Code:            strings.ToUpper(strings.TrimSpace(parts[0])),
			DiscountPercent: pct,
			MinOrderAmount:  minimum,
		}
		if len(parts) == 4 {
			day, err := time.Parse(time.DateOnly, strings.TrimSpace(parts[3]))
			if err != nil {
				return nil, fmt.Errorf("config: promo %q valid-until invalid: %w", parts[0], err)
			}
			end := day.Add(24*time.Hour - time.Nanosecond)
			promo.ValidUntil = &end
		}
		if promo.Code == "" {
			return nil, errors.New("config: promo code empty")
		}
		out = append(out, promo)
	}
	return out, nil
}

// parsePickupPoints reads id=address entries separated by "|" and keeps their order.
func parsePickupPoints(raw string) []PickupPoint {
	var out []PickupPoint
	for _, entry := range strings.Split(raw, "|") {
		id, address, ok := strings.Cut(entry, "=")
		id, address = strings.TrimSpace(id), strings.TrimSpace(address)
		if ok && id != "" && address != "" {
			out = append(out, PickupPoint{ID: id, Address: address})
		}
	}
	return out
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
