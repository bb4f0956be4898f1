package domain

import (
	"hash/fnv"
	"strings"
)

// Query 是一次日历查询的输入。HouseNumber 可选。
type Query struct {
	Location    string
	Street      string
	HouseNumber string
}

// Key 返回规范化后的缓存键（trim + 小写），保证同一地址只对应一个缓存条目。
func (q Query) Key() string {
	parts := []string{NormalizeName(q.Location), NormalizeName(q.Street)}
	if hnr := NormalizeName(q.HouseNumber); hnr != "" {
		parts = append(parts, hnr)
	}
	return strings.Join(parts, "|")
}

// NormalizeName 把名称规范化为比较用的形态：去首尾空白、折叠内部空白、小写。
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// SameName 判断两个名称在规范化后是否相同。
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// StableID 为上游没有数字 ID 的概念（abfall.io 的 Ort/Straße）合成一个稳定 ID。
//
// 算法固定为 FNV-1a 32 位，作用于 NormalizeName(s)，结果截断为非负 int31。
// 该值只是不透明的缓存/去重键，不参与任何算术含义。
func StableID(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(NormalizeName(s)))
	return int(h.Sum32() & 0x7fffffff)
}
