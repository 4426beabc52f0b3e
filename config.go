package nvme

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseConfigString parses the PCI option string from spec.md §6:
// "maxq=N,qsz=N,ioslots=N,sectsz={512,4096,8192},ser=STRING,<ram=MEGABYTES|path>"
// in the idiom of the original pci_nvme_parse_opts: split on commas, then
// split each token on the first '='; a token with no '=' is the backing
// store positional argument. No pack repo parses an option string of this
// exact shape, so this stays on the standard library rather than reaching
// for a third-party flag/config library meant for a different input shape.
func ParseConfigString(s string) (Config, error) {
	cfg := Config{
		MaxQueues:  16,
		QueueSize:  2048,
		IOSlots:    8,
		SectorSize: 512,
	}

	if s == "" {
		return cfg, fmt.Errorf("nvme: empty configuration string")
	}

	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		key, val, hasEq := strings.Cut(tok, "=")
		if !hasEq {
			cfg.BackingPath = key
			continue
		}

		switch key {
		case "maxq":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("nvme: invalid maxq=%q", val)
			}
			cfg.MaxQueues = uint16(n)
		case "qsz":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("nvme: invalid qsz=%q", val)
			}
			cfg.QueueSize = uint16(n)
		case "ioslots":
			n, err := strconv.Atoi(val)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("nvme: invalid ioslots=%q", val)
			}
			cfg.IOSlots = n
		case "sectsz":
			n, err := strconv.Atoi(val)
			if err != nil || (n != 512 && n != 4096 && n != 8192) {
				return cfg, fmt.Errorf("nvme: invalid sectsz=%q", val)
			}
			cfg.SectorSize = n
		case "ser":
			if len(val) > 20 {
				return cfg, fmt.Errorf("nvme: serial too long: %q", val)
			}
			cfg.Serial = val
		case "ram":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("nvme: invalid ram=%q", val)
			}
			cfg.RAMSizeBytes = n * 1024 * 1024
		default:
			return cfg, fmt.Errorf("nvme: unknown option %q", key)
		}
	}

	if cfg.RAMSizeBytes == 0 && cfg.BackingPath == "" {
		return cfg, fmt.Errorf("nvme: no backing store given (ram=MB or a path)")
	}
	return cfg, nil
}
