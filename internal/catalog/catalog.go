// Package catalog 负责 canonical 数据集与外部协作方之间的 CSV 交换：
// 读入上游种子阶段产出的目录，写出 merge 后的权威数据集（交给外部入仓方）。
package catalog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/infra/fsx"
)

// 固定列（语义字段）；其余列一律按属性名处理。
const (
	colKey        = "nc_code"
	colDetailURL  = "item_details_url"
	colImageURL   = "image_url"
	colResolution = "resolution_status"
	colUpdated    = "last_updated"
)

// baseAttrColumns 是输出 CSV 的属性列基准顺序（与上游种子目录一致）；
// 数据集中出现的其他属性按名称序追加在其后。
var baseAttrColumns = []string{
	domain.AttrSupplier,
	domain.AttrBrandName,
	domain.AttrAge,
	domain.AttrProof,
	domain.AttrSize,
	domain.AttrRetailPrice,
	domain.AttrMxbPrice,
	domain.AttrCategory,
	domain.AttrBottlesPerCase,
	domain.AttrUPC,
	domain.AttrCaseCostLessBail,
	domain.AttrDistiller,
	domain.AttrEffectiveDate,
}

// Load 从 path 读取种子目录 CSV，构建 canonical 数据集。
//
// 约束：
// - 首行是表头；nc_code 列必须存在，值必须能通过 ParseKey
// - 空单元格表示 absent（属性不落键），与空字符串严格区分
// - resolution_status 为空按 unresolved 处理
func Load(path string) (*domain.CanonicalDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read 与 Load 相同，但从任意 Reader 读取（测试用）。
func Read(r io.Reader) (*domain.CanonicalDataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("catalog: 读取表头失败：%w", err)
	}
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(strings.ToLower(name))] = i
	}
	if _, ok := colIdx[colKey]; !ok {
		return nil, fmt.Errorf("catalog: 表头缺少 %s 列", colKey)
	}

	ds := domain.NewDataset()
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("catalog: 第 %d 行读取失败：%w", line, err)
		}

		cell := func(col string) string {
			i, ok := colIdx[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		key, ok := domain.ParseKey(cell(colKey))
		if !ok {
			return nil, fmt.Errorf("catalog: 第 %d 行 nc_code 非法：%q", line, cell(colKey))
		}

		rec := domain.ProductRecord{
			Key:        key,
			DetailURL:  cell(colDetailURL),
			ImageRef:   cell(colImageURL),
			Resolution: cell(colResolution),
		}
		if rec.Resolution == "" {
			rec.Resolution = domain.ResolutionUnresolved
		}
		if ts := cell(colUpdated); ts != "" {
			t, terr := time.Parse(time.RFC3339, ts)
			if terr != nil {
				return nil, fmt.Errorf("catalog: 第 %d 行 last_updated 非法：%q", line, ts)
			}
			rec.LastUpdated = t
		}

		for name, i := range colIdx {
			switch name {
			case colKey, colDetailURL, colImageURL, colResolution, colUpdated:
				continue
			}
			if i >= len(row) {
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				if rec.Attrs == nil {
					rec.Attrs = make(map[string]string)
				}
				rec.Attrs[name] = v
			}
		}

		if err := ds.Add(rec); err != nil {
			return nil, fmt.Errorf("catalog: 第 %d 行：%w", line, err)
		}
	}
	return ds, nil
}

// Save 把数据集原子写出为 CSV（临时文件 + rename；见 fsx）。
func Save(dir, name string, ds *domain.CanonicalDataset) error {
	var buf bytes.Buffer
	if err := Write(&buf, ds); err != nil {
		return err
	}
	return fsx.WriteFileAtomicReplace(dir, name, buf.Bytes())
}

// Write 把数据集按稳定列序写出为 CSV。
func Write(w io.Writer, ds *domain.CanonicalDataset) error {
	attrCols := attrColumns(ds)
	header := append([]string{colKey, colDetailURL, colImageURL, colResolution, colUpdated}, attrCols...)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rec := range ds.Records() {
		row := make([]string, 0, len(header))
		updated := ""
		if !rec.LastUpdated.IsZero() {
			updated = rec.LastUpdated.UTC().Format(time.RFC3339)
		}
		row = append(row, string(rec.Key), rec.DetailURL, rec.ImageRef, rec.Resolution, updated)
		for _, col := range attrCols {
			v, _ := rec.Attr(col)
			row = append(row, v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// attrColumns 返回输出属性列：基准顺序在前，数据集中额外出现的属性按名称序追加。
func attrColumns(ds *domain.CanonicalDataset) []string {
	seen := make(map[string]bool, len(baseAttrColumns))
	for _, c := range baseAttrColumns {
		seen[c] = true
	}
	var extra []string
	extraSeen := make(map[string]bool)
	for _, rec := range ds.Records() {
		for name := range rec.Attrs {
			if !seen[name] && !extraSeen[name] {
				extra = append(extra, name)
				extraSeen[name] = true
			}
		}
	}
	sort.Strings(extra)
	return append(append([]string(nil), baseAttrColumns...), extra...)
}

// DefaultFile 是数据根目录下种子/权威数据集的约定文件名。
const DefaultFile = "catalog.csv"

// Path 返回数据根目录下数据集文件的绝对路径。
func Path(root, file string) string {
	if strings.TrimSpace(file) == "" {
		file = DefaultFile
	}
	return filepath.Join(root, file)
}
