package catalogs

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"hearthwake.ai/internal/sim/milestone"
	"hearthwake.ai/internal/sim/tech"
	"hearthwake.ai/internal/sim/zone"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

type Catalogs struct {
	Zones      ZoneCatalog
	Milestones MilestoneCatalog
	Tech       TechCatalog
}

type ZoneCatalog struct {
	Order  []string // template ids, sorted
	ByID   map[string]zone.Template
	Digest string
}

func (c ZoneCatalog) Templates() []zone.Template {
	out := make([]zone.Template, 0, len(c.Order))
	for _, id := range c.Order {
		out = append(out, c.ByID[id])
	}
	return out
}

type MilestoneCatalog struct {
	Defs   []milestone.Definition
	Digest string
}

type TechCatalog struct {
	Nodes  []tech.Node
	Digest string
}

// Digests returns catalog name -> sha256 of the file as read.
func (c *Catalogs) Digests() map[string]string {
	return map[string]string{
		"zones":      c.Zones.Digest,
		"milestones": c.Milestones.Digest,
		"tech":       c.Tech.Digest,
	}
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadZones(filepath.Join(configDir, "zones.json"), &c.Zones); err != nil {
		return nil, err
	}
	if err := loadMilestones(filepath.Join(configDir, "milestones.json"), &c.Milestones); err != nil {
		return nil, err
	}
	if err := loadTech(filepath.Join(configDir, "tech.json"), &c.Tech); err != nil {
		return nil, err
	}
	if err := c.crossCheck(); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// LoadZoneTemplates reads a zones.json document and returns its templates
// in id order.
func LoadZoneTemplates(r io.Reader) ([]zone.Template, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var out ZoneCatalog
	if err := parseZones(raw, &out); err != nil {
		return nil, err
	}
	return out.Templates(), nil
}

func loadZones(path string, out *ZoneCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return parseZones(raw, out)
}

func parseZones(raw []byte, out *ZoneCatalog) error {
	if err := validateSchema("zones.schema.json", raw); err != nil {
		return fmt.Errorf("zones.json: %w", err)
	}
	out.Digest = sha256Hex(raw)

	var defs []zone.Template
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("zones.json: %w", err)
	}
	out.ByID = map[string]zone.Template{}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("zones.json: %w", err)
		}
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("zones.json: duplicate id %q", d.ID)
		}
		out.ByID[d.ID] = d
	}
	out.Order = make([]string, 0, len(out.ByID))
	for id := range out.ByID {
		out.Order = append(out.Order, id)
	}
	sort.Strings(out.Order)
	return nil
}

func loadMilestones(path string, out *MilestoneCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		// A town without milestones is valid.
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			return nil
		}
		return err
	}
	if err := validateSchema("milestones.schema.json", raw); err != nil {
		return fmt.Errorf("milestones.json: %w", err)
	}
	out.Digest = sha256Hex(raw)
	if err := json.Unmarshal(raw, &out.Defs); err != nil {
		return fmt.Errorf("milestones.json: %w", err)
	}
	if _, err := milestone.NewEvaluator(out.Defs); err != nil {
		return fmt.Errorf("milestones.json: %w", err)
	}
	return nil
}

func loadTech(path string, out *TechCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		// No research tree is valid too.
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			return nil
		}
		return err
	}
	if err := validateSchema("tech.schema.json", raw); err != nil {
		return fmt.Errorf("tech.json: %w", err)
	}
	out.Digest = sha256Hex(raw)
	if err := json.Unmarshal(raw, &out.Nodes); err != nil {
		return fmt.Errorf("tech.json: %w", err)
	}
	if _, err := tech.NewTree(out.Nodes); err != nil {
		return fmt.Errorf("tech.json: %w", err)
	}
	return nil
}

// crossCheck makes sure every reference between catalogs resolves: unlock
// effects and upgrade paths name real templates, templates name real tech
// nodes and tech nodes name real milestones.
func (c *Catalogs) crossCheck() error {
	for _, d := range c.Milestones.Defs {
		for _, e := range d.Effects {
			if e.Type != milestone.EffectUnlockZone {
				continue
			}
			if _, ok := c.Zones.ByID[e.TemplateID]; !ok {
				return fmt.Errorf("milestone %s: unlock of unknown template %q", d.ID, e.TemplateID)
			}
		}
	}
	nodes := make(map[string]bool, len(c.Tech.Nodes))
	for _, n := range c.Tech.Nodes {
		nodes[n.ID] = true
	}
	for _, tpl := range c.Zones.Templates() {
		if tpl.UpgradeTo != "" {
			if _, ok := c.Zones.ByID[tpl.UpgradeTo]; !ok {
				return fmt.Errorf("zone template %s: upgrade_to unknown template %q", tpl.ID, tpl.UpgradeTo)
			}
		}
		if tpl.RequiresTech != "" && !nodes[tpl.RequiresTech] {
			return fmt.Errorf("zone template %s: requires unknown tech %q", tpl.ID, tpl.RequiresTech)
		}
	}
	milestones := make(map[string]bool, len(c.Milestones.Defs))
	for _, d := range c.Milestones.Defs {
		milestones[d.ID] = true
	}
	for _, n := range c.Tech.Nodes {
		if n.RequiresMilestone != "" && !milestones[n.RequiresMilestone] {
			return fmt.Errorf("tech %s: requires unknown milestone %q", n.ID, n.RequiresMilestone)
		}
	}
	return nil
}

func validateSchema(name string, raw []byte) error {
	schemaRaw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return err
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(name, bytes.NewReader(schemaRaw)); err != nil {
		return err
	}
	s, err := comp.Compile(name)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
