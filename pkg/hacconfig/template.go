package hacconfig

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/ionvm/substrate/codes"
)

// defaultTemplateSrc renders a per-provider starter HAC config, grounded
// on c6ai-hlf-easy/node/peer.go's use of
// text/template.New(...).Funcs(sprig.FuncMap()) for config templating.
const defaultTemplateSrc = `[vm]
name = {{ .Name | quote }}
provider = {{ .Provider | quote }}

[resources]
vcpus = {{ .VCPUs }}
memory_mb = {{ .MemoryMB }}

[boot]
kernel_path = {{ .KernelPath | quote }}
rootfs_path = {{ .RootfsPath | quote }}

[network]
enabled = {{ .NetworkEnabled }}
`

// defaultsByProvider supplies the provider-specific substitution values
// for DefaultTemplate.
var defaultsByProvider = map[Provider]Spec{
	ProviderFirecracker: {
		Name: "default-firecracker-agent", Provider: ProviderFirecracker,
		VCPUs: 2, MemoryMB: 512,
		KernelPath: "/var/lib/ionvm/kernels/vmlinux-firecracker",
		RootfsPath: "/var/lib/ionvm/images/rootfs-firecracker.ext4",
		NetworkEnabled: false,
	},
	ProviderCloudHypervisor: {
		Name: "default-cloud-hypervisor-agent", Provider: ProviderCloudHypervisor,
		VCPUs: 2, MemoryMB: 1024,
		KernelPath: "/var/lib/ionvm/kernels/vmlinux-ch",
		RootfsPath: "/var/lib/ionvm/images/rootfs-ch.ext4",
		NetworkEnabled: false,
	},
	ProviderUnikernel: {
		Name: "default-unikernel-agent", Provider: ProviderUnikernel,
		VCPUs: 1, MemoryMB: 256,
		KernelPath: "/var/lib/ionvm/kernels/unikernel.img",
		RootfsPath: "",
		NetworkEnabled: false,
	},
}

// DefaultTemplate renders and parses a starter Spec for provider via
// text/template + sprig, then returns it as a Spec (§4.10).
func DefaultTemplate(provider Provider) (Spec, error) {
	defaults, ok := defaultsByProvider[provider]
	if !ok {
		return Spec{}, codes.Field(codes.InvalidConfig, "provider",
			fmt.Sprintf("no default template for provider %q", provider))
	}

	tmpl, err := template.New("hac-default").Funcs(sprig.FuncMap()).Parse(defaultTemplateSrc)
	if err != nil {
		return Spec{}, codes.Wrap(codes.InvalidConfig, err, "parse default template")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, defaults); err != nil {
		return Spec{}, codes.Wrap(codes.InvalidConfig, err, "render default template")
	}

	s, err := Parse(buf.String())
	if err != nil {
		return Spec{}, err
	}
	s.Metadata = map[string]string{}
	return s, nil
}
