// ============================================================================
// linescout Position-Graph Traversal - 走法圖線性化
// ============================================================================
//
// Package: internal/traversal
// File: traversal.go
// Purpose: 把以局面為頂點的走法圖展開成一條條線路（Line）
//
// 演算法:
//   深度優先搜尋，維護「目前路徑上的局面」集合（不是全域 visited）：
//   1. 同一節點上相同走法的邊只保留第一條
//   2. 沒有出邊的節點是葉節點，非空路徑輸出為一條 Line
//   3. 走到目前路徑上已存在的局面 → 輸出含該步的路徑並停止此分支
//   4. 經由不重疊路徑再次到達同一局面是合法的，會產生不同的 Line
//
// 變例編號:
//   依輸出順序從 1 開始遞增（同層邊依圖中順序）
//
// 複雜度:
//   最壞情況路徑數為各層分支數的乘積，這是領域本身的特性
//
// ============================================================================

package traversal

import (
	"sort"

	"github.com/ChuLiYu/linescout/pkg/types"
)

// ResolveStart 決定遍歷的起點
//
// 如果 startKey 存在於圖中則直接使用；否則退回「序列化最短的 key」
// （初始局面通常編碼最短），長度相同時取字典序最小者。
//
// 返回值：
//   - string: 起點 key（圖為空時為 startKey）
//   - bool: 是否使用了退回策略
func ResolveStart(graph types.PositionGraph, startKey string) (string, bool) {
	if _, ok := graph[startKey]; ok {
		return startKey, false
	}
	if len(graph) == 0 {
		return startKey, false
	}

	keys := make([]string, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys[0], true
}

// Traverse 從起點展開所有線路
//
// 參數：
//   - graph: 走法圖
//   - startKey: 初始局面 key（不存在時使用 ResolveStart 的退回策略）
//
// 返回值：
//   - []types.Line: 依 DFS 順序輸出的線路，VariationIndex 為 1..N
func Traverse(graph types.PositionGraph, startKey string) []types.Line {
	start, _ := ResolveStart(graph, startKey)

	w := &walker{
		graph:  graph,
		onPath: make(map[string]bool),
	}
	w.visit(start, nil)
	return w.lines
}

type walker struct {
	graph  types.PositionGraph
	onPath map[string]bool
	lines  []types.Line
}

func (w *walker) visit(key string, path []string) {
	edges := uniqueEdges(w.graph[key])
	if len(edges) == 0 {
		if len(path) > 0 {
			w.emit(path)
		}
		return
	}

	w.onPath[key] = true
	defer delete(w.onPath, key)

	for _, e := range edges {
		next := make([]string, len(path)+1)
		copy(next, path)
		next[len(path)] = e.Move

		// 循環：目標已在目前路徑上，輸出到閉合那一步為止
		if w.onPath[e.Target] {
			w.emit(next)
			continue
		}
		w.visit(e.Target, next)
	}
}

func (w *walker) emit(path []string) {
	w.lines = append(w.lines, types.Line{
		VariationIndex: len(w.lines) + 1,
		Moves:          path,
	})
}

// uniqueEdges 相同走法只保留第一條邊
func uniqueEdges(edges []types.MoveEdge) []types.MoveEdge {
	if len(edges) < 2 {
		return edges
	}
	seen := make(map[string]bool, len(edges))
	out := make([]types.MoveEdge, 0, len(edges))
	for _, e := range edges {
		if seen[e.Move] {
			continue
		}
		seen[e.Move] = true
		out = append(out, e)
	}
	return out
}
