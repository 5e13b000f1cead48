package clarity

import (
	"context"
	"fmt"
	"net/url"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// UdfConfigKind describes a user-defined field configuration.
var UdfConfigKind = &Kind{
	Name:        "Udf",
	Tag:         "{http://genologics.com/ri/configuration}udfconfig",
	CreationTag: "{http://genologics.com/ri/configuration}field",
}

// UdfFlag names a boolean setting of a field configuration.
type UdfFlag string

const (
	UdfShowInLablink          UdfFlag = "show-in-lablink"
	UdfAllowNonPresetValues   UdfFlag = "allow-non-preset-values"
	UdfFirstPresetIsDefault   UdfFlag = "first-preset-is-default-value"
	UdfShowInTables           UdfFlag = "show-in-tables"
	UdfIsEditable             UdfFlag = "is-editable"
	UdfIsDeviation            UdfFlag = "is-deviation"
	UdfIsControlledVocabulary UdfFlag = "is-controlled-vocabulary"
	UdfIsRequired             UdfFlag = "is-required"
)

var (
	udfFieldType      = Attr[string]{Name: "type", Codec: codec.String}
	udfAttachName     = Subnode[string]{Path: "attach-to-name", Codec: codec.String}
	udfAttachCategory = Subnode[string]{Path: "attach-to-category", Codec: codec.String}
	udfMinValue       = Subnode[float64]{Path: "min-value", Codec: codec.Numeric}
	udfMaxValue       = Subnode[float64]{Path: "max-value", Codec: codec.Numeric}
	udfPrecision      = Subnode[float64]{Path: "precision", Codec: codec.Numeric}
)

// UdfConfig is the configuration of one user-defined field.
type UdfConfig struct {
	*Element
}

func newUdfConfig(el *Element) *UdfConfig { return &UdfConfig{Element: el} }

// FieldType returns the declared value type.
func (u *UdfConfig) FieldType(ctx context.Context) (codec.FieldType, error) {
	t, err := udfFieldType.Get(ctx, u)
	return codec.FieldType(t), err
}

// SetFieldType sets the declared value type.
func (u *UdfConfig) SetFieldType(ctx context.Context, t codec.FieldType) error {
	if !t.Valid() {
		return NewUsageError(fmt.Sprintf("unknown field type %q", string(t)))
	}
	return udfFieldType.Set(ctx, u, string(t))
}

// AttachToName returns the name of the entity type the field attaches to.
func (u *UdfConfig) AttachToName(ctx context.Context) (string, error) {
	return udfAttachName.Get(ctx, u)
}

// AttachToCategory returns the attach-to category, empty for most types.
func (u *UdfConfig) AttachToCategory(ctx context.Context) (string, error) {
	return udfAttachCategory.Get(ctx, u)
}

// Flag reads a boolean setting.
func (u *UdfConfig) Flag(ctx context.Context, flag UdfFlag) (bool, error) {
	return Subnode[bool]{Path: string(flag), Codec: codec.Boolean}.Get(ctx, u)
}

// SetFlag writes a boolean setting.
func (u *UdfConfig) SetFlag(ctx context.Context, flag UdfFlag, v bool) error {
	return Subnode[bool]{Path: string(flag), Codec: codec.Boolean}.Set(ctx, u, v)
}

// IsEditable reports whether users may edit the field.
func (u *UdfConfig) IsEditable(ctx context.Context) (bool, error) {
	return u.Flag(ctx, UdfIsEditable)
}

// IsRequired reports whether the field must have a value.
func (u *UdfConfig) IsRequired(ctx context.Context) (bool, error) {
	return u.Flag(ctx, UdfIsRequired)
}

// MinValue returns the lower bound of a numeric field, if any.
func (u *UdfConfig) MinValue(ctx context.Context) (float64, bool, error) {
	return udfMinValue.Lookup(ctx, u)
}

// MaxValue returns the upper bound of a numeric field, if any.
func (u *UdfConfig) MaxValue(ctx context.Context) (float64, bool, error) {
	return udfMaxValue.Lookup(ctx, u)
}

// Precision returns the number of decimal places shown, 0 when unset.
func (u *UdfConfig) Precision(ctx context.Context) (int, error) {
	p, err := udfPrecision.Get(ctx, u)
	return int(p), err
}

// Presets returns the preset values in order.
func (u *UdfConfig) Presets(ctx context.Context) ([]string, error) {
	root, err := u.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, node := range xmltree.FindAll(root, "preset") {
		out = append(out, node.Text())
	}
	return out, nil
}

// AddPreset appends a preset value. Existing values are not duplicated.
func (u *UdfConfig) AddPreset(ctx context.Context, value any) error {
	text, err := codec.Format(value)
	if err != nil {
		return NewUsageError("invalid preset value").withCause(err)
	}
	presets, err := u.Presets(ctx)
	if err != nil {
		return err
	}
	for _, p := range presets {
		if p == text {
			return nil
		}
	}
	xmltree.CreateChild(u.root, "preset").SetText(text)
	return nil
}

// RemovePreset removes every preset equal to value.
func (u *UdfConfig) RemovePreset(ctx context.Context, value any) error {
	text, err := codec.Format(value)
	if err != nil {
		return NewUsageError("invalid preset value").withCause(err)
	}
	root, err := u.Root(ctx)
	if err != nil {
		return err
	}
	for _, node := range xmltree.FindAll(root, "preset") {
		if node.Text() == text {
			root.RemoveChild(node)
		}
	}
	return nil
}

// SetDefaultPreset moves value to the front of the presets, adding it when
// absent. It fails when the first preset is not used as the default.
func (u *UdfConfig) SetDefaultPreset(ctx context.Context, value any) error {
	first, err := u.Flag(ctx, UdfFirstPresetIsDefault)
	if err != nil {
		return err
	}
	if !first {
		return NewUsageError("Setting the default value will have no effect, as first-preset-is-default-value is false.")
	}
	text, err := codec.Format(value)
	if err != nil {
		return NewUsageError("invalid preset value").withCause(err)
	}
	if err := u.RemovePreset(ctx, text); err != nil {
		return err
	}
	root := u.root
	node := xmltree.NewElement("preset")
	node.SetText(text)
	if existing := xmltree.Find(root, "preset"); existing != nil {
		root.InsertChildAt(existing.Index(), node)
	} else {
		root.AddChild(node)
	}
	return nil
}

// UdfLookup resolves the configuration of a field by attach point and name.
type UdfLookup interface {
	Lookup(ctx context.Context, attachName, attachCategory, fieldName string) (*UdfConfig, error)
}

// UdfFactory serves field configurations and caches them per attach point
// for the lifetime of the session.
type UdfFactory struct {
	*Factory[*UdfConfig]
	byKey map[AttachKey]map[string]*UdfConfig
}

func newUdfFactory(s *Session) *UdfFactory {
	return &UdfFactory{
		Factory: newFactory(s, UdfConfigKind, FactoryConfig{
			Flags:       Query,
			RequestPath: "/configuration/udfs",
		}, newUdfConfig),
		byKey: make(map[AttachKey]map[string]*UdfConfig),
	}
}

// GetByName returns the configuration of the named field at key.
func (f *UdfFactory) GetByName(ctx context.Context, name string, key AttachKey) (*UdfConfig, error) {
	byName, ok := f.byKey[key]
	f.session.metrics.RecordCacheLookup("UdfAttachKey", ok)
	if !ok {
		configs, err := f.Query(ctx, false, url.Values{
			"attach-to-name":     {key.Name},
			"attach-to-category": {key.Category},
		})
		if err != nil {
			return nil, err
		}
		byName = make(map[string]*UdfConfig, len(configs))
		for _, cfg := range configs {
			n, err := cfg.Name(ctx)
			if err != nil {
				return nil, err
			}
			byName[n] = cfg
		}
		f.byKey[key] = byName
	}
	cfg, ok := byName[name]
	if !ok {
		return nil, NewLookupError(ErrCodeNoMatchingElement, fmt.Sprintf(
			"UDF with name: '%s', attach-to-name: '%s', and attach-to-category: '%s' could not be retrieved.",
			name, key.Name, key.Category))
	}
	return cfg, nil
}

// Lookup implements UdfLookup.
func (f *UdfFactory) Lookup(ctx context.Context, attachName, attachCategory, fieldName string) (*UdfConfig, error) {
	return f.GetByName(ctx, fieldName, AttachKey{Name: attachName, Category: attachCategory})
}
