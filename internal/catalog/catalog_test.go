package catalog

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/datadevda1/abc-enrich/internal/domain"
)

const seedCSV = `nc_code,item_details_url,image_url,resolution_status,last_updated,brand_name,size,proof
14-021,https://abc2.nc.gov/products/14-021,,,,OLD FORESTER 86,.75 L,86
21-106,https://abc2.nc.gov/products/21-106,x-raw-image:///deadbeef,,,ELIJAH CRAIG,.75 L,
33-002,https://abc2.nc.gov/products/33-002,https://cdn.example.com/done.jpg,resolved_direct,2026-03-01T12:00:00Z,BAKER'S,.75 L,107
`

func TestReadSeed(t *testing.T) {
	ds, err := Read(strings.NewReader(seedCSV))
	if err != nil {
		t.Fatalf("Read 失败：%v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("期望 3 条，实际 %d", ds.Len())
	}

	rec, ok := ds.Get("14-021")
	if !ok {
		t.Fatalf("缺少 14-021")
	}
	if rec.Resolution != domain.ResolutionUnresolved {
		t.Errorf("空 resolution 应按 unresolved：%q", rec.Resolution)
	}
	if v, _ := rec.Attr(domain.AttrBrandName); v != "OLD FORESTER 86" {
		t.Errorf("brand_name 错误：%q", v)
	}

	// 空单元格 = absent：不应落键。
	rec, _ = ds.Get("21-106")
	if _, ok := rec.Attr(domain.AttrProof); ok {
		t.Errorf("空单元格不应写入属性")
	}
	if domain.ImageState(rec.ImageRef) != domain.ImageInvalid {
		t.Errorf("占位图片引用应原样读入：%q", rec.ImageRef)
	}

	rec, _ = ds.Get("33-002")
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !rec.LastUpdated.Equal(want) {
		t.Errorf("last_updated 解析错误：%v", rec.LastUpdated)
	}

	pending := ds.Pending()
	if len(pending) != 2 {
		t.Fatalf("Pending 数量错误：%v", pending)
	}
}

func TestReadErrors(t *testing.T) {
	cases := []struct {
		name string
		csv  string
	}{
		{"缺 nc_code 列", "brand_name\nA\n"},
		{"非法 key", "nc_code\nnot a key\n"},
		{"重复 key", "nc_code\n14-021\n14-021\n"},
		{"非法 last_updated", "nc_code,last_updated\n14-021,yesterday\n"},
	}
	for _, c := range cases {
		if _, err := Read(strings.NewReader(c.csv)); err == nil {
			t.Errorf("%s：期望错误", c.name)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ds, err := Read(strings.NewReader(seedCSV))
	if err != nil {
		t.Fatalf("Read 失败：%v", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, ds); err != nil {
		t.Fatalf("Write 失败：%v", err)
	}
	back, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("回读失败：%v", err)
	}
	if !ds.Equal(back) {
		t.Fatalf("roundtrip 数据集不一致：\n%s", buf.String())
	}

	// 顺序稳定：与种子目录一致。
	keys := back.Keys()
	want := []domain.Key{"14-021", "21-106", "33-002"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("输出顺序变化：%v", keys)
		}
	}
}

func TestSaveAtomic(t *testing.T) {
	ds, err := Read(strings.NewReader(seedCSV))
	if err != nil {
		t.Fatalf("Read 失败：%v", err)
	}

	dir := t.TempDir()
	if err := Save(dir, DefaultFile, ds); err != nil {
		t.Fatalf("Save 失败：%v", err)
	}
	back, err := Load(Path(dir, ""))
	if err != nil {
		t.Fatalf("Load 失败：%v", err)
	}
	if !ds.Equal(back) {
		t.Fatalf("落盘后回读不一致")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
	}
}

func TestExtraAttrColumnsSorted(t *testing.T) {
	ds := domain.NewDataset()
	if err := ds.Add(domain.ProductRecord{
		Key:   "14-021",
		Attrs: map[string]string{"zz_custom": "1", "aa_custom": "2"},
	}); err != nil {
		t.Fatalf("Add 失败：%v", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, ds); err != nil {
		t.Fatalf("Write 失败：%v", err)
	}
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	ia, iz := strings.Index(header, "aa_custom"), strings.Index(header, "zz_custom")
	if ia < 0 || iz < 0 || ia > iz {
		t.Fatalf("额外属性列应按名称序追加：%s", header)
	}
}
