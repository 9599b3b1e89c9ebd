package deployment

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/k8s"
)

// FromConfig builds the backend selected by cfg.Backend.
func FromConfig(cfg *config.Config, logger *zap.Logger) (Deployment, error) {
	switch cfg.Backend {
	case "juju":
		return NewJuju(nil, JujuOptions{
			Binary:             cfg.JujuBinary,
			Model:              cfg.Environment,
			Template:           cfg.CommandTemplate,
			TransportExitCodes: cfg.TransportExitCodes,
			PollInterval:       cfg.PollInterval,
		}, logger), nil
	case "inventory":
		return inventoryFromConfig(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func inventoryFromConfig(cfg *config.Config, logger *zap.Logger) (*Inventory, error) {
	file, err := ReadInventoryFile(cfg.InventoryPath)
	if err != nil {
		return nil, err
	}
	if file.Environment == "" {
		file.Environment = cfg.Environment
	}

	var transports Transports
	needKube := false
	for _, units := range file.Roles {
		for _, u := range units {
			if len(u.Selector) > 0 {
				needKube = true
			}
		}
	}
	if needKube {
		client, err := k8s.NewClient(cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kube client: %w", err)
		}
		transports.Kube = &gateway.KubeTransport{Client: client, Namespace: cfg.KubeNamespace, Container: cfg.KubeContainer}
	}
	transports.SSH, err = gateway.NewSSHTransport(gateway.SSHConfig{
		User:           cfg.SSHUser,
		Port:           cfg.SSHPort,
		KeyFile:        cfg.SSHKeyFile,
		KnownHostsFile: cfg.SSHKnownHosts,
		DialTimeout:    cfg.SSHDialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.CommandTemplate) > 0 {
		transports.Command = gateway.NewCommandTransport(cfg.CommandTemplate, cfg.TransportExitCodes, modelEnv(cfg.Environment))
	}
	return NewInventory(file, transports, logger)
}
