package hacconfig

import (
	"reflect"
	"testing"
)

func sampleSpec() Spec {
	return Spec{
		Name:     "agent-memory-1",
		Provider: ProviderFirecracker,
		VCPUs:    2,
		MemoryMB: 512,
		KernelPath: "/boot/vmlinux",
		RootfsPath: "/images/rootfs.ext4",
		NetworkEnabled: true,
		Drives: []Drive{
			{Path: "/images/extra.ext4", ReadOnly: false},
			{Path: "/images/data.ext4", ReadOnly: true},
		},
		Metadata: map[string]string{
			"owner": "agent-a",
			"tier":  "gold",
		},
	}
}

func TestRoundTrip(t *testing.T) {
	s := sampleSpec()
	text := Format(s)
	got, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse(Format(s)): %v", err)
	}
	if !reflect.DeepEqual(s, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", s, got)
	}
}

func TestRoundTripNoDrivesNoMetadata(t *testing.T) {
	s := Spec{
		Name: "bare", Provider: ProviderUnikernel,
		VCPUs: 1, MemoryMB: 128,
		KernelPath: "/boot/unikernel.img",
		Metadata:   map[string]string{},
	}
	text := Format(s)
	got, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse(Format(s)): %v", err)
	}
	if !reflect.DeepEqual(s, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", s, got)
	}
}

func TestParseRejectsUnknownSection(t *testing.T) {
	_, err := Parse("[bogus]\nfoo = \"bar\"\n")
	if err == nil {
		t.Fatal("expected parse error for unknown section")
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse("[vm]\nname\n")
	if err == nil {
		t.Fatal("expected parse error for line missing '='")
	}
}

func TestValidateRejectsOutOfRangeResources(t *testing.T) {
	s := sampleSpec()
	s.VCPUs = 128
	s.MemoryMB = 1
	result := Validate(s, HostCapacity{})
	if result.OK {
		t.Fatal("expected validation failure for out-of-range resources")
	}
	if len(result.Reasons) < 2 {
		t.Fatalf("expected at least 2 reasons, got %v", result.Reasons)
	}
}

func TestValidateRejectsInvalidName(t *testing.T) {
	s := sampleSpec()
	s.Name = "has a space!"
	result := Validate(s, HostCapacity{})
	if result.OK {
		t.Fatal("expected validation failure for invalid name")
	}
}

func TestValidateCapacityGate(t *testing.T) {
	s := sampleSpec()
	s.VCPUs, s.MemoryMB = 3, 1024
	if !Validate(s, HostCapacity{VCPUs: 4, MemoryMB: 2048}).OK {
		t.Fatal("expected validation to pass within host capacity")
	}
	if Validate(s, HostCapacity{VCPUs: 2, MemoryMB: 2048}).OK {
		t.Fatal("expected validation to fail exceeding host vcpus")
	}
}

func TestDefaultTemplatePerProvider(t *testing.T) {
	for _, p := range []Provider{ProviderFirecracker, ProviderCloudHypervisor, ProviderUnikernel} {
		s, err := DefaultTemplate(p)
		if err != nil {
			t.Fatalf("DefaultTemplate(%s): %v", p, err)
		}
		if s.Provider != p {
			t.Fatalf("want provider %s, got %s", p, s.Provider)
		}
		if s.KernelPath == "" {
			t.Fatalf("default template for %s missing kernel_path", p)
		}
	}
}

func TestDefaultTemplateUnknownProvider(t *testing.T) {
	if _, err := DefaultTemplate("bogus"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
