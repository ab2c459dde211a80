package resolve

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/datadevda1/abc-enrich/internal/domain"
)

var (
	sizeNumRE  = regexp.MustCompile(`^([0-9]*\.?[0-9]+)`)
	sizeUnitRE = regexp.MustCompile(`([A-Za-z]+)$`)
	ageTokenRE = regexp.MustCompile(`\d+[yY]`)
)

// BuildQuery 生成图片搜索词：brand + 归一化后的 size。
// sentinelPass（针对占位图片的重试轮）额外去掉年份 token（"12y"），
// 并附加商品类目头，提高搜到真实商品图的概率。
func BuildQuery(rec domain.ProductRecord, sentinelPass bool) string {
	brand, _ := rec.Attr(domain.AttrBrandName)
	size, _ := rec.Attr(domain.AttrSize)

	q := strings.TrimSpace(brand)
	if ns := NormalizeSize(size); ns != "" {
		q = strings.TrimSpace(q + " " + ns)
	}

	if sentinelPass {
		q = strings.Join(strings.Fields(ageTokenRE.ReplaceAllString(q, "")), " ")
		if cat, ok := rec.Attr(domain.AttrCategory); ok {
			if head := categoryHead(cat); head != "" {
				q = strings.TrimSpace(q + " " + head)
			}
		}
	}
	return q
}

// NormalizeSize 把站点的容量写法归一化为搜索友好形态：
// 小于 1 升的按毫升整数表示（"0.75L" => "750ml"），其余保留数值 + 统一单位大小写。
func NormalizeSize(size string) string {
	size = strings.TrimSpace(size)
	if size == "" {
		return ""
	}
	numPart := sizeNumRE.FindString(size)
	if numPart == "" {
		return size
	}
	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return size
	}
	unit := strings.ToLower(sizeUnitRE.FindString(size))

	if num < 1 {
		return formatNum(num*1000) + "ml"
	}
	switch unit {
	case "ml":
		return formatNum(num) + "ml"
	case "l":
		return formatNum(num) + "L"
	default:
		return formatNum(num) + unit
	}
}

// categoryHead 取类目的主干（"Bourbon--Straight" => "Bourbon"）。
func categoryHead(cat string) string {
	cat = strings.TrimSpace(cat)
	if i := strings.Index(cat, "--"); i >= 0 {
		cat = cat[:i]
	}
	return strings.TrimSpace(cat)
}

func formatNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
