// Package config loads provisioner configuration from environment
// variables (and an optional YAML file) via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ImageSpec describes one of the known base-image tags a VM can be
// created from.
type ImageSpec struct {
	DisplayName  string `mapstructure:"display_name"`
	Username     string `mapstructure:"username"`
	TemplateFile string `mapstructure:"template_file"`
}

// Config holds all configuration for the provisioner.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Paths       PathsConfig    `mapstructure:"paths"`
	Libvirt     LibvirtConfig  `mapstructure:"libvirt"`
	VM          VMConfig       `mapstructure:"vm"`
	Network     NetworkConfig  `mapstructure:"network"`
	IPResolver  IPResolverConfig `mapstructure:"ip_resolver"`

	// Images is not mapstructure-bound (viper doesn't cleanly unmarshal a
	// map of structs with defaults set individually); it is populated by
	// KnownImages() after Load.
	Images map[string]ImageSpec `mapstructure:"-"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// PathsConfig is the DATA_DIR tree described in spec.md §6.
type PathsConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	DBPath       string `mapstructure:"db_path"`
	ImageDir     string `mapstructure:"image_dir"`
	InstanceDir  string `mapstructure:"instance_dir"`
	CloudInitDir string `mapstructure:"cloud_init_dir"`
}

type LibvirtConfig struct {
	URI               string        `mapstructure:"uri"`
	SocketPath        string        `mapstructure:"socket_path"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	// LeaseDir is the directory holding dnsmasq's "<network>.leases"
	// files for libvirt-managed networks, read directly by the IP
	// Resolver's leases-file source.
	LeaseDir string `mapstructure:"lease_dir"`
}

type VMConfig struct {
	DefaultMemoryMB int `mapstructure:"default_memory_mb"`
	DefaultVCPUs    int `mapstructure:"default_vcpus"`
	DefaultDiskGB   int `mapstructure:"default_disk_gb"`
	MinMemoryMB     int `mapstructure:"min_memory_mb"`
	MaxMemoryMB     int `mapstructure:"max_memory_mb"`
	MinVCPUs        int `mapstructure:"min_vcpus"`
	MaxVCPUs        int `mapstructure:"max_vcpus"`
}

type NetworkConfig struct {
	StartPort      int    `mapstructure:"start_port"`
	EndPort        int    `mapstructure:"end_port"`
	VMNetwork      string `mapstructure:"vm_network"`
	ServerPublicIP string `mapstructure:"server_public_ip"`
}

type IPResolverConfig struct {
	TimeoutSeconds     int `mapstructure:"timeout_seconds"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	AgentGraceSeconds  int `mapstructure:"agent_grace_seconds"`
}

// Load reads configuration from an optional YAML file and from
// PROVISIONER_-prefixed environment variables, falling back to the
// defaults set in setDefaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/provisiond")

	v.SetEnvPrefix("PROVISIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindSpecEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Images = KnownImages(cfg.Paths.ImageDir)

	return &cfg, nil
}

// bindSpecEnvVars binds the exact, unprefixed environment variable names
// spec.md §6 requires (DATA_DIR, DB_PATH, LIBVIRT_URI, ...) in addition to
// the PROVISIONER_-prefixed ones AutomaticEnv already covers, so either
// naming convention works.
func bindSpecEnvVars(v *viper.Viper) {
	_ = v.BindEnv("paths.data_dir", "DATA_DIR")
	_ = v.BindEnv("paths.db_path", "DB_PATH")
	_ = v.BindEnv("libvirt.uri", "LIBVIRT_URI")
	_ = v.BindEnv("libvirt.lease_dir", "LEASE_DIR")
	_ = v.BindEnv("vm.default_memory_mb", "DEFAULT_MEMORY_MB")
	_ = v.BindEnv("vm.default_vcpus", "DEFAULT_VCPUS")
	_ = v.BindEnv("vm.default_disk_gb", "DEFAULT_DISK_GB")
	_ = v.BindEnv("vm.min_memory_mb", "MIN_MEMORY_MB")
	_ = v.BindEnv("vm.max_memory_mb", "MAX_MEMORY_MB")
	_ = v.BindEnv("vm.min_vcpus", "MIN_VCPUS")
	_ = v.BindEnv("vm.max_vcpus", "MAX_VCPUS")
	_ = v.BindEnv("network.start_port", "START_PORT")
	_ = v.BindEnv("network.end_port", "END_PORT")
	_ = v.BindEnv("network.vm_network", "VM_NETWORK")
	_ = v.BindEnv("network.server_public_ip", "SERVER_PUBLIC_IP")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.addr", "0.0.0.0:8000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "provisioner")
	v.SetDefault("database.password", "provisioner")
	v.SetDefault("database.database", "provisioner")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("paths.data_dir", "/var/lib/vm-provisioner")
	v.SetDefault("paths.db_path", "/var/lib/vm-provisioner/vms.db")
	v.SetDefault("paths.image_dir", "/var/lib/vm-provisioner/images")
	v.SetDefault("paths.instance_dir", "/var/lib/vm-provisioner/instances")
	v.SetDefault("paths.cloud_init_dir", "/var/lib/vm-provisioner/cloud-init")

	v.SetDefault("libvirt.uri", "qemu:///system")
	v.SetDefault("libvirt.socket_path", "/var/run/libvirt/libvirt-sock")
	v.SetDefault("libvirt.connect_timeout", "5s")
	v.SetDefault("libvirt.lease_dir", "/var/lib/libvirt/dnsmasq")

	v.SetDefault("vm.default_memory_mb", 512)
	v.SetDefault("vm.default_vcpus", 1)
	v.SetDefault("vm.default_disk_gb", 10)
	v.SetDefault("vm.min_memory_mb", 256)
	v.SetDefault("vm.max_memory_mb", 8192)
	v.SetDefault("vm.min_vcpus", 1)
	v.SetDefault("vm.max_vcpus", 8)

	v.SetDefault("network.start_port", 2222)
	v.SetDefault("network.end_port", 2322)
	v.SetDefault("network.vm_network", "default")
	v.SetDefault("network.server_public_ip", "127.0.0.1")

	v.SetDefault("ip_resolver.timeout_seconds", 120)
	v.SetDefault("ip_resolver.poll_interval_seconds", 2)
	v.SetDefault("ip_resolver.agent_grace_seconds", 30)
}

// KnownImages returns the static image-tag table from spec.md §6,
// rooted at imageDir.
func KnownImages(imageDir string) map[string]ImageSpec {
	return map[string]ImageSpec{
		"debian-12": {
			DisplayName:  "Debian 12 (Bookworm)",
			Username:     "debian",
			TemplateFile: imageDir + "/debian-12-template.qcow2",
		},
		"rocky-9": {
			DisplayName:  "Rocky Linux 9",
			Username:     "rocky",
			TemplateFile: imageDir + "/rocky-9-template.qcow2",
		},
		"alpine": {
			DisplayName:  "Alpine Linux",
			Username:     "alpine",
			TemplateFile: imageDir + "/alpine-template.qcow2",
		},
	}
}
