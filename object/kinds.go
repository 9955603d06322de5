package object

import (
	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/oid"
	"github.com/strataforge/strata/schema"
)

// Built-in earth-model kinds. Field schemas are derived from the struct
// tags; reference targets, acyclicity, and array dtype/rank constraints
// are annotated at registration since tags cannot express them.

// LocalDepth3dCrs is a local engineering coordinate reference system with
// depth as the vertical axis.
type LocalDepth3dCrs struct {
	Base
	XOffset             float64 `json:"x_offset,omitempty" jsonschema:"description=Easting of the local origin in the projected CRS"`
	YOffset             float64 `json:"y_offset,omitempty" jsonschema:"description=Northing of the local origin in the projected CRS"`
	ZOffset             float64 `json:"z_offset,omitempty" jsonschema:"description=Depth of the local origin relative to the vertical CRS"`
	ArealRotation       float64 `json:"areal_rotation,omitempty" jsonschema:"description=Clockwise rotation of the local axes in radians"`
	ProjectedEpsg       int     `json:"projected_epsg,omitempty"`
	VerticalEpsg        int     `json:"vertical_epsg,omitempty"`
	ProjectedUom        string  `json:"projected_uom" jsonschema:"enum=m,enum=ft"`
	VerticalUom         string  `json:"vertical_uom" jsonschema:"enum=m,enum=ft"`
	ZIncreasingDownward bool    `json:"z_increasing_downward,omitempty"`
}

func (*LocalDepth3dCrs) ObjectKind() string { return "LocalDepth3dCrs" }

// MdDatum is the measured-depth reference point of a wellbore.
type MdDatum struct {
	Base
	Crs         oid.OID `json:"crs" jsonschema:"description=CRS locating the datum"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	MdReference string  `json:"md_reference,omitempty" jsonschema:"enum=ground level,enum=kelly bushing,enum=mean sea level,enum=rotary table"`
}

func (*MdDatum) ObjectKind() string { return "MdDatum" }

// WellboreFeature is the abstract wellbore itself, independent of any
// particular interpretation or survey.
type WellboreFeature struct {
	Base
	Uwi string `json:"uwi,omitempty" jsonschema:"description=Unique well identifier"`
}

func (*WellboreFeature) ObjectKind() string { return "WellboreFeature" }

// WellboreInterpretation is one interpretation of a wellbore feature.
type WellboreInterpretation struct {
	Base
	Feature   oid.OID `json:"feature"`
	IsDrilled bool    `json:"is_drilled,omitempty"`
	Domain    string  `json:"domain,omitempty" jsonschema:"enum=depth,enum=time"`
}

func (*WellboreInterpretation) ObjectKind() string { return "WellboreInterpretation" }

// WellboreTrajectory is a measured-depth indexed path of xyz control
// points for one wellbore.
type WellboreTrajectory struct {
	Base
	MdDatum        oid.OID        `json:"md_datum"`
	Interpretation oid.OID        `json:"interpretation,omitempty"`
	Crs            oid.OID        `json:"crs,omitempty"`
	StartMd        float64        `json:"start_md,omitempty"`
	FinishMd       float64        `json:"finish_md,omitempty"`
	MdUom          string         `json:"md_uom,omitempty" jsonschema:"enum=m,enum=ft"`
	ControlPoints  arraystore.Ref `json:"control_points" jsonschema:"description=Per-station xyz positions"`
	Mds            arraystore.Ref `json:"mds,omitempty" jsonschema:"description=Per-station measured depths"`
}

func (*WellboreTrajectory) ObjectKind() string { return "WellboreTrajectory" }

// IjkGrid is a cellular grid with I, J and K extents.
type IjkGrid struct {
	Base
	Crs    oid.OID        `json:"crs,omitempty"`
	Ni     int            `json:"ni" jsonschema:"description=Cell count in the I direction"`
	Nj     int            `json:"nj" jsonschema:"description=Cell count in the J direction"`
	Nk     int            `json:"nk" jsonschema:"description=Cell count in the K direction"`
	Points arraystore.Ref `json:"points,omitempty" jsonschema:"description=Corner point xyz positions"`
}

func (*IjkGrid) ObjectKind() string { return "IjkGrid" }

// CellCount returns the grid's total number of cells.
func (g *IjkGrid) CellCount() int { return g.Ni * g.Nj * g.Nk }

// PropertyKind names a measurable quantity; kinds form a specialization
// tree through the parent reference, which must stay acyclic.
type PropertyKind struct {
	Base
	Parent        oid.OID `json:"parent,omitempty"`
	QuantityClass string  `json:"quantity_class"`
	Notes         string  `json:"notes,omitempty"`
}

func (*PropertyKind) ObjectKind() string { return "PropertyKind" }

// ContinuousProperty attaches real-valued data to the elements of a
// supporting representation.
type ContinuousProperty struct {
	Base
	Supporting       oid.OID        `json:"supporting_representation"`
	PropertyKind     oid.OID        `json:"property_kind,omitempty"`
	Uom              string         `json:"uom"`
	IndexableElement string         `json:"indexable_element,omitempty" jsonschema:"enum=cells,enum=nodes,enum=columns"`
	Values           arraystore.Ref `json:"values"`
}

func (*ContinuousProperty) ObjectKind() string { return "ContinuousProperty" }

// DiscreteProperty attaches integer-coded data to the elements of a
// supporting representation, optionally decoded through a lookup table.
type DiscreteProperty struct {
	Base
	Supporting       oid.OID        `json:"supporting_representation"`
	Lookup           oid.OID        `json:"lookup,omitempty"`
	IndexableElement string         `json:"indexable_element,omitempty" jsonschema:"enum=cells,enum=nodes,enum=columns"`
	NullValue        int64          `json:"null_value,omitempty"`
	Values           arraystore.Ref `json:"values"`
}

func (*DiscreteProperty) ObjectKind() string { return "DiscreteProperty" }

// StringTableLookup maps integer codes (as decimal keys) to display
// strings for discrete properties.
type StringTableLookup struct {
	Base
	Entries map[string]string `json:"entries"`
}

func (*StringTableLookup) ObjectKind() string { return "StringTableLookup" }

func init() {
	crs := schema.MustFromStruct("LocalDepth3dCrs", LocalDepth3dCrs{})
	RegisterKind(crs, func() Object { return &LocalDepth3dCrs{} })

	datum := schema.MustFromStruct("MdDatum", MdDatum{})
	datum.Ref("crs").Targets = []string{"LocalDepth3dCrs"}
	RegisterKind(datum, func() Object { return &MdDatum{} })

	feature := schema.MustFromStruct("WellboreFeature", WellboreFeature{})
	RegisterKind(feature, func() Object { return &WellboreFeature{} })

	interp := schema.MustFromStruct("WellboreInterpretation", WellboreInterpretation{})
	interp.Ref("feature").Targets = []string{"WellboreFeature"}
	RegisterKind(interp, func() Object { return &WellboreInterpretation{} })

	traj := schema.MustFromStruct("WellboreTrajectory", WellboreTrajectory{})
	traj.Ref("md_datum").Targets = []string{"MdDatum"}
	traj.Ref("interpretation").Targets = []string{"WellboreInterpretation"}
	traj.Ref("crs").Targets = []string{"LocalDepth3dCrs"}
	traj.Array("control_points").DType = arraystore.Float64
	traj.Array("control_points").Rank = 2
	traj.Array("mds").DType = arraystore.Float64
	traj.Array("mds").Rank = 1
	RegisterKind(traj, func() Object { return &WellboreTrajectory{} })

	grid := schema.MustFromStruct("IjkGrid", IjkGrid{})
	grid.Ref("crs").Targets = []string{"LocalDepth3dCrs"}
	grid.Array("points").DType = arraystore.Float64
	grid.Array("points").Rank = 2
	RegisterKind(grid, func() Object { return &IjkGrid{} })

	pkind := schema.MustFromStruct("PropertyKind", PropertyKind{})
	pkind.Ref("parent").Targets = []string{"PropertyKind"}
	pkind.Ref("parent").Acyclic = true
	RegisterKind(pkind, func() Object { return &PropertyKind{} })

	cont := schema.MustFromStruct("ContinuousProperty", ContinuousProperty{})
	cont.Ref("supporting_representation").Targets = []string{"IjkGrid", "WellboreTrajectory"}
	cont.Ref("property_kind").Targets = []string{"PropertyKind"}
	cont.Array("values").DType = arraystore.Float64
	RegisterKind(cont, func() Object { return &ContinuousProperty{} })

	disc := schema.MustFromStruct("DiscreteProperty", DiscreteProperty{})
	disc.Ref("supporting_representation").Targets = []string{"IjkGrid", "WellboreTrajectory"}
	disc.Ref("lookup").Targets = []string{"StringTableLookup"}
	disc.Array("values").DType = arraystore.Int32
	RegisterKind(disc, func() Object { return &DiscreteProperty{} })

	lookup := schema.MustFromStruct("StringTableLookup", StringTableLookup{})
	RegisterKind(lookup, func() Object { return &StringTableLookup{} })
}
