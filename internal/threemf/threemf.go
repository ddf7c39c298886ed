// Package threemf parses 3MF project containers.
//
// A 3MF file is a zip archive: mesh and build data live in
// 3D/3dmodel.model, slicer projects add Metadata/model_settings.config
// (plate layout), Metadata/slice_info.config (per-plate estimates and
// filament usage) and Metadata/project_settings.config (key/value
// slicer settings, JSON in current slicers, ';'-prefixed text in legacy
// ones). Archives come from many slicer versions, so every plate is
// parsed independently and a malformed plate becomes an error entry
// rather than failing the whole project.
package threemf

import (
	"archive/zip"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Filament is one material slot used by a plate.
type Filament struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type,omitempty"`
	Color  string `json:"color,omitempty"`
	UsedM  string `json:"used_m,omitempty"`
	UsedG  string `json:"used_g,omitempty"`
}

// Plate is one build plate of a project.
type Plate struct {
	Index         int               `json:"index"`
	Name          string            `json:"name,omitempty"`
	InstanceCount int               `json:"instance_count"`
	ObjectIDs     []int             `json:"object_ids,omitempty"`
	TriangleCount int               `json:"triangle_count"`
	Prediction    string            `json:"prediction,omitempty"` // seconds, from slice_info
	Weight        string            `json:"weight,omitempty"`     // grams, from slice_info
	Filaments     []Filament        `json:"filaments,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Dimensions    Dimensions        `json:"dimensions_mm"`
	Error         string            `json:"error,omitempty"`

	triangles []Triangle
}

// Project is a parsed 3MF container.
type Project struct {
	ModelMetadata map[string]string `json:"model_metadata,omitempty"`
	Settings      map[string]string `json:"project_settings,omitempty"`
	Plates        []Plate           `json:"plates"`
}

// Open parses the 3MF container at path.
func Open(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Parse(f, st.Size())
}

// Parse parses a 3MF container from r.
func Parse(r io.ReaderAt, size int64) (*Project, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open 3mf container: %w", err)
	}

	defs := map[objectKey]*objectDef{}
	modelData, err := parseModelFile(zr, "3D/3dmodel.model", defs, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if modelData == nil {
		return nil, fmt.Errorf("3mf container has no 3D/3dmodel.model")
	}

	settingsPlates := parseModelSettings(readZipText(zr,
		"Metadata/model_settings.config", "Metadata/Slic3r_PE_model.config"))
	sliceInfo := parseSliceInfo(readZipText(zr, "Metadata/slice_info.config"))
	settings := parseProjectSettings(readZipText(zr,
		"Metadata/project_settings.config", "Metadata/Slic3r_PE.config"))

	plates := resolvePlates(modelData.buildItems, settingsPlates)
	for i := range plates {
		p := &plates[i]
		if info, ok := sliceInfo[p.Index]; ok {
			p.Prediction = info.metadata["prediction"]
			p.Weight = info.metadata["weight"]
			p.Filaments = info.filaments
		}
		p.triangles = flattenPlate(defs, p.buildItems)
		p.TriangleCount = len(p.triangles)
		p.InstanceCount = len(p.buildItems)
		p.ObjectIDs = plateObjectIDs(p.buildItems)
		p.Dimensions = triangleDimensions(p.triangles)
		if len(p.buildItems) == 0 && len(p.refErrs) > 0 {
			p.Error = strings.Join(p.refErrs, "; ")
		}
	}

	out := make([]Plate, len(plates))
	for i := range plates {
		out[i] = plates[i].Plate
	}
	return &Project{
		ModelMetadata: modelData.metadata,
		Settings:      settings,
		Plates:        out,
	}, nil
}

// PlateSTL renders the plate with the given index as a binary STL blob.
func (p *Project) PlateSTL(index int) ([]byte, bool) {
	for i := range p.Plates {
		if p.Plates[i].Index == index {
			header := fmt.Sprintf("printvault plate %d", index)
			return binarySTL(p.Plates[i].triangles, header), true
		}
	}
	return nil, false
}

// ─── Container reading ──────────────────────────────────────────────

// readZipText returns the first of the candidate archive paths that
// exists, matched case-insensitively with separators normalized.
func readZipText(zr *zip.Reader, candidates ...string) string {
	names := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		names[strings.ToLower(normalizeArchivePath(f.Name))] = f
	}
	for _, c := range candidates {
		f, ok := names[strings.ToLower(normalizeArchivePath(c))]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		return string(raw)
	}
	return ""
}

func normalizeArchivePath(p string) string {
	return strings.TrimLeft(strings.ReplaceAll(p, `\`, "/"), "/")
}

// ─── Model file (geometry and build items) ──────────────────────────

type objectKey struct {
	modelPath string
	id        int
}

type component struct {
	key       objectKey
	transform matrix4
}

type objectDef struct {
	vertices   []Vec3
	triangles  [][3]int
	components []component
}

type buildItem struct {
	seq       int
	objectID  int
	key       objectKey
	transform matrix4
	printable bool
}

type modelFile struct {
	metadata   map[string]string
	buildItems []buildItem
}

type xmlMetadata struct {
	Name  string `xml:"name,attr"`
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
	Text  string `xml:",chardata"`
}

func (m xmlMetadata) key() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Key
}

func (m xmlMetadata) value() string {
	if m.Value != "" {
		return m.Value
	}
	return strings.TrimSpace(m.Text)
}

func collectMetadata(items []xmlMetadata) map[string]string {
	out := map[string]string{}
	for _, m := range items {
		if k := m.key(); k != "" {
			out[k] = m.value()
		}
	}
	return out
}

type xmlModel struct {
	Metadata  []xmlMetadata `xml:"metadata"`
	Resources struct {
		Objects []xmlObject `xml:"object"`
	} `xml:"resources"`
	Build struct {
		Items []xmlBuildItem `xml:"item"`
	} `xml:"build"`
}

type xmlObject struct {
	ID   string `xml:"id,attr"`
	Type string `xml:"type,attr"`
	Mesh *struct {
		Vertices []struct {
			X string `xml:"x,attr"`
			Y string `xml:"y,attr"`
			Z string `xml:"z,attr"`
		} `xml:"vertices>vertex"`
		Triangles []struct {
			V1 string `xml:"v1,attr"`
			V2 string `xml:"v2,attr"`
			V3 string `xml:"v3,attr"`
		} `xml:"triangles>triangle"`
	} `xml:"mesh"`
	Components *struct {
		Components []struct {
			ObjectID  string `xml:"objectid,attr"`
			Path      string `xml:"path,attr"`
			Transform string `xml:"transform,attr"`
		} `xml:"component"`
	} `xml:"components"`
}

type xmlBuildItem struct {
	ObjectID  string `xml:"objectid,attr"`
	Transform string `xml:"transform,attr"`
	Printable string `xml:"printable,attr"`
}

// parseModelFile parses one model XML inside the archive, recursing
// into component-referenced model files. Returns nil when the file is
// absent.
func parseModelFile(zr *zip.Reader, modelPath string, defs map[objectKey]*objectDef, visited map[string]bool) (*modelFile, error) {
	modelPath = normalizeArchivePath(modelPath)
	if visited[modelPath] {
		return &modelFile{metadata: map[string]string{}}, nil
	}
	visited[modelPath] = true

	text := readZipText(zr, modelPath)
	if text == "" {
		return nil, nil
	}

	var doc xmlModel
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", modelPath, err)
	}

	for _, obj := range doc.Resources.Objects {
		id := safeInt(obj.ID, -1)
		if id < 0 {
			continue
		}
		def := &objectDef{}
		if obj.Mesh != nil {
			def.vertices = make([]Vec3, 0, len(obj.Mesh.Vertices))
			for _, v := range obj.Mesh.Vertices {
				def.vertices = append(def.vertices, Vec3{
					X: safeFloat(v.X, 0),
					Y: safeFloat(v.Y, 0),
					Z: safeFloat(v.Z, 0),
				})
			}
			def.triangles = make([][3]int, 0, len(obj.Mesh.Triangles))
			for _, t := range obj.Mesh.Triangles {
				def.triangles = append(def.triangles, [3]int{
					safeInt(t.V1, 0), safeInt(t.V2, 0), safeInt(t.V3, 0),
				})
			}
		}
		if obj.Components != nil {
			for _, c := range obj.Components.Components {
				childID := safeInt(c.ObjectID, -1)
				if childID < 0 {
					continue
				}
				childPath := modelPath
				if c.Path != "" {
					childPath = normalizeArchivePath(c.Path)
					if _, err := parseModelFile(zr, childPath, defs, visited); err != nil {
						return nil, err
					}
				}
				def.components = append(def.components, component{
					key:       objectKey{childPath, childID},
					transform: parseTransform(c.Transform),
				})
			}
		}
		defs[objectKey{modelPath, id}] = def
	}

	mf := &modelFile{metadata: collectMetadata(doc.Metadata)}
	for i, item := range doc.Build.Items {
		id := safeInt(item.ObjectID, -1)
		if id < 0 {
			continue
		}
		printable := item.Printable != "0" && !strings.EqualFold(item.Printable, "false")
		mf.buildItems = append(mf.buildItems, buildItem{
			seq:       i,
			objectID:  id,
			key:       objectKey{modelPath, id},
			transform: parseTransform(item.Transform),
			printable: printable,
		})
	}
	return mf, nil
}

// flattenObject resolves an object's triangles including nested
// components, memoized, with a cycle guard.
func flattenObject(key objectKey, defs map[objectKey]*objectDef, memo map[objectKey][]Triangle, stack map[objectKey]bool) []Triangle {
	if tris, ok := memo[key]; ok {
		return tris
	}
	if stack[key] {
		return nil
	}
	stack[key] = true
	defer delete(stack, key)

	def, ok := defs[key]
	if !ok {
		memo[key] = nil
		return nil
	}

	var out []Triangle
	for _, idx := range def.triangles {
		if !validIndices(idx, len(def.vertices)) {
			continue
		}
		out = append(out, Triangle{def.vertices[idx[0]], def.vertices[idx[1]], def.vertices[idx[2]]})
	}
	for _, c := range def.components {
		for _, t := range flattenObject(c.key, defs, memo, stack) {
			out = append(out, c.transform.applyTriangle(t))
		}
	}
	memo[key] = out
	return out
}

// validIndices rejects out-of-range vertex references, including the
// negative ones some malformed exporters emit.
func validIndices(idx [3]int, vertices int) bool {
	for _, i := range idx {
		if i < 0 || i >= vertices {
			return false
		}
	}
	return true
}

func flattenPlate(defs map[objectKey]*objectDef, items []buildItem) []Triangle {
	memo := map[objectKey][]Triangle{}
	var out []Triangle
	for _, item := range items {
		if !item.printable {
			continue
		}
		for _, t := range flattenObject(item.key, defs, memo, map[objectKey]bool{}) {
			out = append(out, item.transform.applyTriangle(t))
		}
	}
	return out
}

func plateObjectIDs(items []buildItem) []int {
	seen := map[int]bool{}
	var ids []int
	for _, item := range items {
		if !seen[item.objectID] {
			seen[item.objectID] = true
			ids = append(ids, item.objectID)
		}
	}
	sort.Ints(ids)
	return ids
}

// ─── Plate layout (model_settings.config) ───────────────────────────

type settingsPlate struct {
	index    int
	metadata map[string]string
	refs     []instanceRef
}

type instanceRef struct {
	objectID   int
	instanceID int
}

type xmlConfig struct {
	Plates []struct {
		Metadata []xmlMetadata `xml:"metadata"`
		Children []struct {
			XMLName  xml.Name
			Metadata []xmlMetadata `xml:"metadata"`
		} `xml:",any"`
	} `xml:"plate"`
}

func parseModelSettings(text string) []settingsPlate {
	if text == "" {
		return nil
	}
	var doc xmlConfig
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return nil
	}

	var plates []settingsPlate
	counter := 1
	for _, p := range doc.Plates {
		meta := collectMetadata(p.Metadata)
		index := counter
		for _, k := range []string{"plater_id", "index", "plate_id"} {
			if v, ok := meta[k]; ok {
				index = safeInt(v, counter)
				break
			}
		}
		if index+1 > counter+1 {
			counter = index + 1
		} else {
			counter++
		}

		sp := settingsPlate{index: index, metadata: meta}
		for _, child := range p.Children {
			cm := collectMetadata(child.Metadata)
			objID, ok := cm["object_id"]
			if !ok {
				continue
			}
			sp.refs = append(sp.refs, instanceRef{
				objectID:   safeInt(objID, -1),
				instanceID: safeInt(cm["instance_id"], 0),
			})
		}
		plates = append(plates, sp)
	}
	sort.SliceStable(plates, func(i, j int) bool { return plates[i].index < plates[j].index })
	return plates
}

// ─── Slice estimates (slice_info.config) ────────────────────────────

type sliceInfoPlate struct {
	metadata  map[string]string
	filaments []Filament
}

type xmlSliceInfo struct {
	Plates []struct {
		Metadata  []xmlMetadata `xml:"metadata"`
		Filaments []struct {
			ID       string        `xml:"id,attr"`
			Type     string        `xml:"type,attr"`
			Color    string        `xml:"color,attr"`
			UsedM    string        `xml:"used_m,attr"`
			UsedG    string        `xml:"used_g,attr"`
			Metadata []xmlMetadata `xml:"metadata"`
		} `xml:"filament"`
	} `xml:"plate"`
}

func parseSliceInfo(text string) map[int]sliceInfoPlate {
	if text == "" {
		return nil
	}
	var doc xmlSliceInfo
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return nil
	}

	out := map[int]sliceInfoPlate{}
	for _, p := range doc.Plates {
		meta := collectMetadata(p.Metadata)
		index := safeInt(meta["index"], -1)
		if index < 0 {
			continue
		}
		info := sliceInfoPlate{metadata: meta}
		for _, f := range p.Filaments {
			fil := Filament{ID: f.ID, Type: f.Type, Color: f.Color, UsedM: f.UsedM, UsedG: f.UsedG}
			// Some slicer versions nest filament fields as metadata
			// elements instead of attributes.
			if fm := collectMetadata(f.Metadata); len(fm) > 0 {
				if fil.ID == "" {
					fil.ID = fm["id"]
				}
				if fil.Type == "" {
					fil.Type = fm["type"]
				}
				if fil.Color == "" {
					fil.Color = fm["color"]
				}
				if fil.UsedM == "" {
					fil.UsedM = fm["used_m"]
				}
				if fil.UsedG == "" {
					fil.UsedG = fm["used_g"]
				}
			}
			if fil != (Filament{}) {
				info.filaments = append(info.filaments, fil)
			}
		}
		out[index] = info
	}
	return out
}

// ─── Project settings (project_settings.config) ─────────────────────

// parseProjectSettings accepts either the JSON object current slicers
// write or the legacy ';'-prefixed key=value text.
func parseProjectSettings(text string) map[string]string {
	if text == "" {
		return nil
	}

	var loaded map[string]any
	if err := json.Unmarshal([]byte(text), &loaded); err == nil {
		out := make(map[string]string, len(loaded))
		for k, v := range loaded {
			switch val := v.(type) {
			case nil:
				continue
			case string:
				out[k] = val
			case []any:
				if len(val) > 0 {
					out[k] = fmt.Sprint(val[0])
				} else {
					out[k] = ""
				}
			case map[string]any:
				raw, _ := json.Marshal(val)
				out[k] = string(raw)
			default:
				out[k] = fmt.Sprint(val)
			}
		}
		return out
	}

	out := map[string]string{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		line = strings.TrimSpace(strings.TrimPrefix(line, ";"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// ─── Plate resolution ───────────────────────────────────────────────

type resolvedPlate struct {
	Plate
	buildItems []buildItem
	refErrs    []string
}

// resolvePlates distributes build items across the plates declared in
// model_settings. Without a plate layout everything lands on a single
// plate 1. Instance ids are usually 0-based but 1-based files exist in
// the wild, so both interpretations are tried.
func resolvePlates(items []buildItem, settingsPlates []settingsPlate) []resolvedPlate {
	if len(items) == 0 && len(settingsPlates) == 0 {
		return nil
	}

	byObject := map[int][]buildItem{}
	for _, item := range items {
		byObject[item.objectID] = append(byObject[item.objectID], item)
	}

	if len(settingsPlates) == 0 {
		return []resolvedPlate{{
			Plate:      Plate{Index: 1},
			buildItems: items,
		}}
	}

	var out []resolvedPlate
	for _, sp := range settingsPlates {
		rp := resolvedPlate{Plate: Plate{
			Index:    sp.index,
			Name:     plateName(sp.metadata),
			Metadata: sp.metadata,
		}}
		seen := map[int]bool{}
		for _, ref := range sp.refs {
			objItems := byObject[ref.objectID]
			if len(objItems) == 0 {
				rp.refErrs = append(rp.refErrs,
					fmt.Sprintf("object %d not present in build", ref.objectID))
				continue
			}
			var pick buildItem
			switch {
			case ref.instanceID >= 0 && ref.instanceID < len(objItems):
				pick = objItems[ref.instanceID]
			case ref.instanceID-1 >= 0 && ref.instanceID-1 < len(objItems):
				pick = objItems[ref.instanceID-1]
			default:
				pick = objItems[0]
			}
			if !seen[pick.seq] {
				seen[pick.seq] = true
				rp.buildItems = append(rp.buildItems, pick)
			}
		}
		out = append(out, rp)
	}

	// A layout that matched nothing at all still gets one plate so the
	// geometry stays visible.
	empty := true
	for _, rp := range out {
		if len(rp.buildItems) > 0 {
			empty = false
			break
		}
	}
	if empty && len(items) > 0 {
		return []resolvedPlate{{
			Plate:      Plate{Index: 1},
			buildItems: items,
		}}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func plateName(meta map[string]string) string {
	for _, k := range []string{"plater_name", "name"} {
		if v := meta[k]; v != "" {
			return v
		}
	}
	return ""
}

// ─── Settings summary ───────────────────────────────────────────────

var preferredSettingKeys = []string{
	"filament_type",
	"default_filament_profile",
	"filament_colour",
	"layer_height",
	"initial_layer_print_height",
	"sparse_infill_density",
	"sparse_infill_pattern",
	"enable_support",
	"support_type",
	"support_threshold_angle",
	"nozzle_diameter",
	"curr_bed_type",
	"printer_model",
	"default_print_profile",
}

// SummarizeSettings picks the settings worth showing in a folder view:
// common slicer keys first, short values only.
func SummarizeSettings(settings map[string]string, max int) map[string]string {
	if len(settings) == 0 || max <= 0 {
		return nil
	}
	out := map[string]string{}
	for _, k := range preferredSettingKeys {
		v, ok := settings[k]
		if !ok || v == "" || len(v) > 120 {
			continue
		}
		out[k] = v
		if len(out) >= max {
			break
		}
	}
	return out
}

// ─── Small helpers ──────────────────────────────────────────────────

func fields(s string) []string {
	return strings.Fields(s)
}

func safeInt(s string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

func safeFloat(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return v
}
