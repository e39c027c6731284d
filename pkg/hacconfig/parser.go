package hacconfig

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ionvm/substrate/codes"
)

// namePattern matches the VM Spec name constraint (§3).
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	minVCPUs    = 1
	maxVCPUs    = 64
	minMemoryMB = 128
	maxMemoryMB = 65536
)

// Parse reads HAC text into a Spec. Parse failures name the offending
// field and expected format (§4.10).
//
// The parser is a hand-rolled line-oriented scanner in the vein of
// hypercore/file_store.go's manual binary-layout discipline, applied
// here to text: each non-blank, non-comment line is either a section
// header (`[section]` or `[[drives]]`) or a `key = value` pair scoped to
// the current section.
func Parse(text string) (Spec, error) {
	var s Spec
	s.Metadata = make(map[string]string)

	var section string
	var curDrive *Drive
	lineNo := 0

	flushDrive := func() {
		if curDrive != nil {
			s.Drives = append(s.Drives, *curDrive)
			curDrive = nil
		}
	}

	for _, raw := range strings.Split(text, "\n") {
		lineNo++
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[[") && strings.HasSuffix(line, "]]") {
			name := strings.TrimSpace(line[2 : len(line)-2])
			if name != "drives" {
				return Spec{}, parseErr(lineNo, name, "unknown array-of-tables section (expected [[drives]])")
			}
			flushDrive()
			section = "drives"
			curDrive = &Drive{}
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			switch name {
			case "vm", "resources", "boot", "network", "metadata":
			default:
				return Spec{}, parseErr(lineNo, name, "unknown section (expected vm/resources/boot/network/drives/metadata)")
			}
			flushDrive()
			section = name
			continue
		}

		key, value, ok := splitKV(line)
		if !ok {
			return Spec{}, parseErr(lineNo, line, "expected \"key = value\"")
		}

		var err error
		switch section {
		case "vm":
			err = parseVMField(&s, key, value, lineNo)
		case "resources":
			err = parseResourcesField(&s, key, value, lineNo)
		case "boot":
			err = parseBootField(&s, key, value, lineNo)
		case "network":
			err = parseNetworkField(&s, key, value, lineNo)
		case "drives":
			err = parseDriveField(curDrive, key, value, lineNo)
		case "metadata":
			s.Metadata[key] = unquote(value)
		default:
			return Spec{}, parseErr(lineNo, key, "key outside of any section")
		}
		if err != nil {
			return Spec{}, err
		}
	}
	flushDrive()

	return s, nil
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func parseErr(lineNo int, field, expected string) error {
	return codes.Field(codes.InvalidConfig, field,
		fmt.Sprintf("line %d: %s", lineNo, expected))
}

func parseVMField(s *Spec, key, value string, lineNo int) error {
	switch key {
	case "name":
		s.Name = unquote(value)
	case "provider":
		s.Provider = Provider(unquote(value))
	default:
		return parseErr(lineNo, key, "unknown [vm] field (expected name/provider)")
	}
	return nil
}

func parseResourcesField(s *Spec, key, value string, lineNo int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return parseErr(lineNo, key, "expected an integer")
	}
	switch key {
	case "vcpus":
		s.VCPUs = n
	case "memory_mb":
		s.MemoryMB = n
	default:
		return parseErr(lineNo, key, "unknown [resources] field (expected vcpus/memory_mb)")
	}
	return nil
}

func parseBootField(s *Spec, key, value string, lineNo int) error {
	switch key {
	case "kernel_path":
		s.KernelPath = unquote(value)
	case "rootfs_path":
		s.RootfsPath = unquote(value)
	default:
		return parseErr(lineNo, key, "unknown [boot] field (expected kernel_path/rootfs_path)")
	}
	return nil
}

func parseNetworkField(s *Spec, key, value string, lineNo int) error {
	switch key {
	case "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return parseErr(lineNo, key, "expected true/false")
		}
		s.NetworkEnabled = b
	default:
		return parseErr(lineNo, key, "unknown [network] field (expected enabled)")
	}
	return nil
}

func parseDriveField(d *Drive, key, value string, lineNo int) error {
	if d == nil {
		return parseErr(lineNo, key, "drive field outside of a [[drives]] table")
	}
	switch key {
	case "path":
		d.Path = unquote(value)
	case "read_only":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return parseErr(lineNo, key, "expected true/false")
		}
		d.ReadOnly = b
	default:
		return parseErr(lineNo, key, "unknown [[drives]] field (expected path/read_only)")
	}
	return nil
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return strings.ReplaceAll(v[1:len(v)-1], `\"`, `"`)
	}
	return v
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// Format renders spec back to HAC text. Parse(Format(s)) == s for every
// valid s (§4.10 round-trip law, L5). Parse always returns a non-nil
// Metadata map, so a spec whose Metadata is nil comes back with an empty map.
func Format(s Spec) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[vm]\n")
	fmt.Fprintf(&b, "name = %s\n", quote(s.Name))
	fmt.Fprintf(&b, "provider = %s\n", quote(string(s.Provider)))
	b.WriteString("\n")

	fmt.Fprintf(&b, "[resources]\n")
	fmt.Fprintf(&b, "vcpus = %d\n", s.VCPUs)
	fmt.Fprintf(&b, "memory_mb = %d\n", s.MemoryMB)
	b.WriteString("\n")

	fmt.Fprintf(&b, "[boot]\n")
	fmt.Fprintf(&b, "kernel_path = %s\n", quote(s.KernelPath))
	fmt.Fprintf(&b, "rootfs_path = %s\n", quote(s.RootfsPath))
	b.WriteString("\n")

	fmt.Fprintf(&b, "[network]\n")
	fmt.Fprintf(&b, "enabled = %t\n", s.NetworkEnabled)

	for _, d := range s.Drives {
		b.WriteString("\n[[drives]]\n")
		fmt.Fprintf(&b, "path = %s\n", quote(d.Path))
		fmt.Fprintf(&b, "read_only = %t\n", d.ReadOnly)
	}

	if len(s.Metadata) > 0 {
		b.WriteString("\n[metadata]\n")
		keys := make([]string, 0, len(s.Metadata))
		for k := range s.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %s\n", k, quote(s.Metadata[k]))
		}
	}

	return b.String()
}

// Validate checks spec against the schema constraints in §3 "VM Spec"
// and against hostCapacity's remaining resources (§4.9 spawn contract).
func Validate(s Spec, hostCapacity HostCapacity) ValidationResult {
	var reasons []string

	if !namePattern.MatchString(s.Name) {
		reasons = append(reasons, "name must match [A-Za-z0-9_-]{1,64}")
	}
	switch s.Provider {
	case ProviderFirecracker, ProviderCloudHypervisor, ProviderUnikernel:
	default:
		reasons = append(reasons, "provider must be one of firecracker/cloud-hypervisor/unikernel")
	}
	if s.VCPUs < minVCPUs || s.VCPUs > maxVCPUs {
		reasons = append(reasons, fmt.Sprintf("vcpus must be in [%d,%d]", minVCPUs, maxVCPUs))
	}
	if s.MemoryMB < minMemoryMB || s.MemoryMB > maxMemoryMB {
		reasons = append(reasons, fmt.Sprintf("memory_mb must be in [%d,%d]", minMemoryMB, maxMemoryMB))
	}
	if s.KernelPath == "" {
		reasons = append(reasons, "kernel_path is required")
	}
	if s.RootfsPath == "" {
		reasons = append(reasons, "rootfs_path is required")
	}
	if hostCapacity.VCPUs > 0 && s.VCPUs > hostCapacity.VCPUs {
		reasons = append(reasons, "vcpus exceeds host capacity")
	}
	if hostCapacity.MemoryMB > 0 && s.MemoryMB > hostCapacity.MemoryMB {
		reasons = append(reasons, "memory_mb exceeds host capacity")
	}

	return ValidationResult{OK: len(reasons) == 0, Reasons: reasons}
}
