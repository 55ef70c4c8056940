package bridge

import "fmt"

// Resource is one named entry in a resource category (a sensor, trigger,
// switch, or animation), identified by its rid within that category.
type Resource struct {
	ID   byte
	Name string
}

// Catalog is the device's resource catalog, populated once by Discover.
type Catalog struct {
	Version string

	Sensors    []Resource
	Triggers   []Resource
	Switches   []Resource
	Animations []Resource
}

// TriggerNames returns the trigger category as a rid->name lookup, the
// shape RunReader needs to label TRIGGER events.
func (c *Catalog) TriggerNames() map[byte]string {
	names := make(map[byte]string, len(c.Triggers))
	for _, r := range c.Triggers {
		names[r.ID] = r.Name
	}
	return names
}

// String renders a short human-readable summary, used by the CLI's "tree"
// sub-command.
func (c *Catalog) String() string {
	return fmt.Sprintf("version=%q sensors=%d triggers=%d switches=%d animations=%d",
		c.Version, len(c.Sensors), len(c.Triggers), len(c.Switches), len(c.Animations))
}
