package deployment

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
)

// InventoryFile is the on-disk format of a static inventory.
type InventoryFile struct {
	Environment string                     `yaml:"environment"`
	Roles       map[string][]InventoryUnit `yaml:"roles"`
}

// InventoryUnit is one endpoint of a role. Selector units are resolved to
// pods, Address units are reached over ssh, and units with neither run
// through the command transport by name.
type InventoryUnit struct {
	Name     string            `yaml:"name"`
	Address  string            `yaml:"address,omitempty"`
	Selector map[string]string `yaml:"selector,omitempty"`
	Info     map[string]string `yaml:"info,omitempty"`
}

// Transports are the unit transports an inventory may use.
type Transports struct {
	SSH     *gateway.SSHTransport
	Kube    *gateway.KubeTransport
	Command *gateway.CommandTransport
}

// Inventory is a Deployment over an already provisioned cluster.
type Inventory struct {
	file       InventoryFile
	transports Transports
	logger     *zap.Logger
}

// ReadInventoryFile parses the inventory at path.
func ReadInventoryFile(path string) (InventoryFile, error) {
	var file InventoryFile
	data, err := os.ReadFile(path)
	if err != nil {
		return file, fmt.Errorf("read inventory %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	return file, nil
}

// LoadInventory reads an inventory file.
func LoadInventory(path string, transports Transports, logger *zap.Logger) (*Inventory, error) {
	file, err := ReadInventoryFile(path)
	if err != nil {
		return nil, err
	}
	return NewInventory(file, transports, logger)
}

// NewInventory validates file against the available transports.
func NewInventory(file InventoryFile, transports Transports, logger *zap.Logger) (*Inventory, error) {
	if len(file.Roles) == 0 {
		return nil, fmt.Errorf("inventory has no roles")
	}
	for role, units := range file.Roles {
		if len(units) == 0 {
			return nil, fmt.Errorf("inventory role %s has no units", role)
		}
		for i, u := range units {
			switch {
			case len(u.Selector) > 0 && transports.Kube == nil:
				return nil, fmt.Errorf("inventory role %s unit %d uses a selector but no kube transport is configured", role, i)
			case u.Address != "" && len(u.Selector) == 0 && transports.SSH == nil:
				return nil, fmt.Errorf("inventory role %s unit %d has an address but no ssh transport is configured", role, i)
			case u.Address == "" && len(u.Selector) == 0 && transports.Command == nil:
				return nil, fmt.Errorf("inventory role %s unit %d has no address or selector", role, i)
			}
		}
	}
	return &Inventory{file: file, transports: transports, logger: nopIfNil(logger)}, nil
}

// Name implements Deployment.
func (i *Inventory) Name() string { return i.file.Environment }

// Load implements Deployment.
func (i *Inventory) Load(context.Context, string) error { return ErrUnsupported }

// Expose implements Deployment.
func (i *Inventory) Expose(context.Context, string) error { return ErrUnsupported }

// Remove implements Deployment.
func (i *Inventory) Remove(context.Context, string) error { return ErrUnsupported }

// Setup checks that every unit of every role answers a no-op command.
func (i *Inventory) Setup(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, role := range i.roles() {
		role := role
		g.Go(func() error {
			units, err := i.Units(gctx, role)
			if err != nil {
				return err
			}
			for _, u := range units {
				res, err := u.Run(gctx, "true")
				if err != nil {
					return fmt.Errorf("unit %s of %s: %w", u.Name(), role, err)
				}
				if !res.Succeeded() {
					return fmt.Errorf("unit %s of %s: true exited %d", u.Name(), role, res.ExitStatus)
				}
			}
			i.logger.Debug("inventory role reachable", zap.String("role", role), zap.Int("units", len(units)))
			return nil
		})
	}
	return g.Wait()
}

// WaitForMessages is satisfied immediately for roles in the inventory.
func (i *Inventory) WaitForMessages(_ context.Context, messages map[string]string, _ time.Duration) error {
	for role := range messages {
		if _, ok := i.file.Roles[role]; !ok {
			return fmt.Errorf("role %s not in inventory", role)
		}
	}
	return nil
}

// State reports every configured unit as active.
func (i *Inventory) State(context.Context) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(i.file.Roles))
	for role, units := range i.file.Roles {
		m := make(map[string]string, len(units))
		for idx, u := range units {
			m[unitName(role, idx, u)] = "active"
		}
		out[role] = m
	}
	return out, nil
}

// Units implements gateway.Registry.
func (i *Inventory) Units(ctx context.Context, role string) ([]gateway.Unit, error) {
	entries, ok := i.file.Roles[role]
	if !ok {
		return nil, fmt.Errorf("role %s not in inventory", role)
	}
	var units []gateway.Unit
	for idx, u := range entries {
		name := unitName(role, idx, u)
		switch {
		case len(u.Selector) > 0:
			pods, err := i.transports.Kube.Units(ctx, u.Selector)
			if err != nil {
				return nil, err
			}
			units = append(units, pods...)
		case u.Address != "":
			units = append(units, i.transports.SSH.Unit(name, u.Address, u.Info))
		default:
			units = append(units, i.transports.Command.Unit(name, u.Info))
		}
	}
	return units, nil
}

func (i *Inventory) roles() []string {
	roles := make([]string, 0, len(i.file.Roles))
	for role := range i.file.Roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func unitName(role string, idx int, u InventoryUnit) string {
	if u.Name != "" {
		return u.Name
	}
	return fmt.Sprintf("%s/%d", role, idx)
}
