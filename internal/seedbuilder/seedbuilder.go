// Package seedbuilder renders the NoCloud cloud-init seed (user-data,
// meta-data, network-config) for a VM and burns it into an ISO9660 volume
// libvirt attaches as a CD-ROM (spec.md §4.4). Rendering follows the
// struct-plus-yaml.Marshal idiom; image authoring follows kdomanski/iso9660.
package seedbuilder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
	"github.com/kdomanski/iso9660"
	"gopkg.in/yaml.v3"

	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
)

// isoVolumeLabel must be "cidata" (lowercase) for cloud-init's NoCloud
// datasource to recognize the CD-ROM; this is the one bit-exact string
// requirement on the whole seed.
const isoVolumeLabel = "cidata"

// UserData is the cloud-config document written to /user-data.
type UserData struct {
	Hostname        string `yaml:"hostname"`
	FQDN            string `yaml:"fqdn"`
	ManageEtcHosts  bool   `yaml:"manage_etc_hosts"`
	Users           []User `yaml:"users"`
	SSHPasswordAuth bool   `yaml:"ssh_pwauth"`
	DisableRoot     bool   `yaml:"disable_root"`
}

// User describes the single login the seed provisions, matching the
// image's default account (debian/rocky/alpine per config.KnownImages).
type User struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	LockPasswd        bool     `yaml:"lock_passwd"`
}

// MetaData is the NoCloud instance identity document written to
// /meta-data. InstanceID is the VM id: cloud-init treats a changed
// instance-id as a fresh boot, and our VM ids are never reused.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig is a netplan v2 document written to /network-config. It
// exists mainly for RHEL-family guests (Rocky Linux): without it some
// images boot without bringing the interface up and never acquire a
// DHCP lease, which would strand the IP Resolver.
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

type EthernetConfig struct {
	Match   MatchConfig `yaml:"match"`
	DHCP4   bool        `yaml:"dhcp4"`
}

type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// Spec is everything the seed builder needs to know about one VM.
type Spec struct {
	VMID      string
	Name      string
	Username  string
	SSHKey    string
	MACAddress string
}

// Builder writes seed ISOs under a root cloud-init directory (spec.md §6's
// DATA_DIR/cloud-init/).
type Builder struct {
	cloudInitDir string
}

func New(cloudInitDir string) *Builder {
	return &Builder{cloudInitDir: cloudInitDir}
}

// ISOPath returns the path a VM's seed ISO would live at.
func (b *Builder) ISOPath(vmID string) string {
	return filepath.Join(b.cloudInitDir, vmID+".iso")
}

// Build renders user-data/meta-data/network-config for spec and writes
// them into a cidata-labeled ISO9660 image at ISOPath(spec.VMID).
func (b *Builder) Build(ctx context.Context, spec Spec) (string, error) {
	const op = "seedbuilder.Build"

	userData, err := renderUserData(spec)
	if err != nil {
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}
	metaData, err := renderMetaData(spec)
	if err != nil {
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}
	networkConfig, err := renderNetworkConfig(spec)
	if err != nil {
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}

	if err := os.MkdirAll(b.cloudInitDir, 0o755); err != nil {
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}
	defer writer.Cleanup()

	type seedFile struct{ name, content string }
	files := []seedFile{
		{"user-data", userData},
		{"meta-data", metaData},
		{"network-config", networkConfig},
	}
	for _, f := range files {
		if err := writer.AddFile(strings.NewReader(f.content), f.name); err != nil {
			return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op,
				fmt.Errorf("add %s: %w", f.name, err))
		}
	}

	isoPath := b.ISOPath(spec.VMID)
	tmpPath := isoPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}

	if err := writer.WriteTo(out, isoVolumeLabel); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}

	if err := os.Rename(tmpPath, isoPath); err != nil {
		os.Remove(tmpPath)
		return "", provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}

	return isoPath, nil
}

// Delete removes a VM's seed ISO, if present.
func (b *Builder) Delete(vmID string) error {
	err := os.Remove(b.ISOPath(vmID))
	if err != nil && !os.IsNotExist(err) {
		return provisionerrors.Wrap(provisionerrors.IsoBuildFailed, "seedbuilder.Delete", err)
	}
	return nil
}

func renderUserData(spec Spec) (string, error) {
	hostname := slug.Make(spec.Name)
	ud := UserData{
		Hostname:        hostname,
		FQDN:            hostname,
		ManageEtcHosts:  true,
		SSHPasswordAuth: false,
		DisableRoot:     true,
		Users: []User{
			{
				Name:              spec.Username,
				Sudo:              "ALL=(ALL) NOPASSWD:ALL",
				Shell:             "/bin/bash",
				SSHAuthorizedKeys: []string{spec.SSHKey},
				LockPasswd:        true,
			},
		},
	}
	yamlBytes, err := yaml.Marshal(&ud)
	if err != nil {
		return "", fmt.Errorf("marshal user-data: %w", err)
	}
	return "#cloud-config\n" + string(yamlBytes), nil
}

func renderMetaData(spec Spec) (string, error) {
	md := MetaData{InstanceID: spec.VMID, LocalHostname: slug.Make(spec.Name)}
	yamlBytes, err := yaml.Marshal(&md)
	if err != nil {
		return "", fmt.Errorf("marshal meta-data: %w", err)
	}
	return string(yamlBytes), nil
}

func renderNetworkConfig(spec Spec) (string, error) {
	nc := NetworkConfig{
		Version: 2,
		Ethernets: map[string]EthernetConfig{
			"eth0": {
				Match: MatchConfig{MACAddress: spec.MACAddress},
				DHCP4: true,
			},
		},
	}
	yamlBytes, err := yaml.Marshal(&nc)
	if err != nil {
		return "", fmt.Errorf("marshal network-config: %w", err)
	}
	return string(yamlBytes), nil
}
