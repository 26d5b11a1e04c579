package traversal

// ============================================================================
// Traversal 測試檔案
// 職責：驗證線路展開、循環處理、邊去重與變例編號
// ============================================================================

import (
	"fmt"
	"testing"

	"github.com/ChuLiYu/linescout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edge(move, target string) types.MoveEdge {
	return types.MoveEdge{Move: move, Target: target}
}

func movesOf(lines []types.Line) [][]string {
	out := make([][]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Moves)
	}
	return out
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestTraverseBranching(t *testing.T) {
	graph := types.PositionGraph{
		"start": {edge("e4", "p1")},
		"p1":    {edge("e5", "p2"), edge("c5", "p3")},
		"p2":    {},
		"p3":    {},
	}

	lines := Traverse(graph, "start")

	require.Len(t, lines, 2)
	assert.Equal(t, []string{"e4", "e5"}, lines[0].Moves)
	assert.Equal(t, 1, lines[0].VariationIndex)
	assert.Equal(t, []string{"e4", "c5"}, lines[1].Moves)
	assert.Equal(t, 2, lines[1].VariationIndex)
}

func TestTraverseCycleTerminates(t *testing.T) {
	graph := types.PositionGraph{
		"start": {edge("a", "b")},
		"b":     {edge("c", "start")},
	}

	lines := Traverse(graph, "start")

	require.Len(t, lines, 1)
	assert.Equal(t, []string{"a", "c"}, lines[0].Moves)
}

func TestTraverseSelfLoop(t *testing.T) {
	graph := types.PositionGraph{
		"start": {edge("e4", "p1")},
		"p1":    {edge("Nf3", "p1"), edge("d4", "p2")},
	}

	lines := Traverse(graph, "start")

	assert.Equal(t, [][]string{{"e4", "Nf3"}, {"e4", "d4"}}, movesOf(lines))
}

func TestTraverseMissingTargetIsLeaf(t *testing.T) {
	graph := types.PositionGraph{
		"start": {edge("d4", "unknown")},
	}

	lines := Traverse(graph, "start")

	assert.Equal(t, [][]string{{"d4"}}, movesOf(lines))
}

func TestTraverseEmptyStart(t *testing.T) {
	graph := types.PositionGraph{"start": {}}
	assert.Empty(t, Traverse(graph, "start"))
	assert.Empty(t, Traverse(types.PositionGraph{}, "start"))
}

// ============================================================================
// 轉置與去重測試
// ============================================================================

// TestTraverseDiamond 兩條不同路徑到達同一局面，各自產生線路
func TestTraverseDiamond(t *testing.T) {
	graph := types.PositionGraph{
		"start": {edge("e4", "a"), edge("d4", "b")},
		"a":     {edge("d4", "ab")},
		"b":     {edge("e4", "ab")},
		"ab":    {edge("e5", "end")},
		"end":   {},
	}

	lines := Traverse(graph, "start")

	assert.Equal(t, [][]string{
		{"e4", "d4", "e5"},
		{"d4", "e4", "e5"},
	}, movesOf(lines))
}

func TestTraverseDuplicateEdgesFirstWins(t *testing.T) {
	graph := types.PositionGraph{
		"start": {edge("e4", "p1"), edge("e4", "p2"), edge("d4", "p3")},
		"p1":    {edge("e5", "x")},
		"p2":    {edge("c5", "y")},
	}

	lines := Traverse(graph, "start")

	assert.Equal(t, [][]string{{"e4", "e5"}, {"d4"}}, movesOf(lines))
	for _, l := range lines {
		assert.NotEqual(t, []string{"e4", "c5"}, l.Moves, "duplicate edge must not be followed")
	}
}

// ============================================================================
// 起點退回策略
// ============================================================================

func TestResolveStart(t *testing.T) {
	tests := []struct {
		name         string
		graph        types.PositionGraph
		start        string
		wantKey      string
		wantFallback bool
	}{
		{
			name:    "start present",
			graph:   types.PositionGraph{"start": nil, "x": nil},
			start:   "start",
			wantKey: "start",
		},
		{
			name:         "shortest key wins",
			graph:        types.PositionGraph{"longer-key": nil, "abc": nil, "abcd": nil},
			start:        "missing",
			wantKey:      "abc",
			wantFallback: true,
		},
		{
			name:         "tie broken lexicographically",
			graph:        types.PositionGraph{"bb": nil, "ab": nil, "cb": nil},
			start:        "missing",
			wantKey:      "ab",
			wantFallback: true,
		},
		{
			name:    "empty graph",
			graph:   types.PositionGraph{},
			start:   "start",
			wantKey: "start",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, fallback := ResolveStart(tt.graph, tt.start)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantFallback, fallback)
		})
	}
}

func TestTraverseUsesFallbackStart(t *testing.T) {
	graph := types.PositionGraph{
		"r":          {edge("e4", "after-e4")},
		"after-e4":   {edge("e5", "after-e4e5")},
		"after-e4e5": {},
	}

	lines := Traverse(graph, "not-in-graph")

	assert.Equal(t, [][]string{{"e4", "e5"}}, movesOf(lines))
}

// ============================================================================
// 性質測試
// ============================================================================

// TestTraverseVariationIndexing 變例編號為 1..N，無缺漏無重複
func TestTraverseVariationIndexing(t *testing.T) {
	graph := types.PositionGraph{"n0": nil}
	// 三層、每層三個分支的完整樹
	var build func(key string, depth int)
	build = func(key string, depth int) {
		if depth == 3 {
			return
		}
		for i := 0; i < 3; i++ {
			child := fmt.Sprintf("%s.%d", key, i)
			graph[key] = append(graph[key], edge(fmt.Sprintf("m%d", i), child))
			build(child, depth+1)
		}
	}
	build("n0", 0)

	lines := Traverse(graph, "n0")

	require.Len(t, lines, 27)
	for i, l := range lines {
		assert.Equal(t, i+1, l.VariationIndex)
	}
}

// TestTraverseCyclicCoverage 有循環的圖會終止，且每個可達節點都出現在某條線路上
func TestTraverseCyclicCoverage(t *testing.T) {
	graph := types.PositionGraph{
		"s": {edge("a", "x"), edge("b", "y")},
		"x": {edge("c", "y"), edge("d", "s")},
		"y": {edge("e", "x"), edge("f", "z")},
		"z": {edge("g", "s"), edge("h", "y")},
	}

	lines := Traverse(graph, "s")
	require.NotEmpty(t, lines)

	// 沿線路重播以收集經過的節點
	visited := map[string]bool{"s": true}
	for _, l := range lines {
		cur := "s"
		for _, mv := range l.Moves {
			for _, e := range graph[cur] {
				if e.Move == mv {
					cur = e.Target
					break
				}
			}
			visited[cur] = true
		}
	}
	for key := range graph {
		assert.True(t, visited[key], "node %s should be reached", key)
	}
}

func TestTraverseDeterministic(t *testing.T) {
	graph := types.PositionGraph{
		"s": {edge("a", "x"), edge("b", "y")},
		"x": {edge("c", "y")},
		"y": {edge("d", "x"), edge("e", "end")},
	}

	first := Traverse(graph, "s")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Traverse(graph, "s"))
	}
}

// ============================================================================
// 樹轉圖
// ============================================================================

func TestFromTree(t *testing.T) {
	root := TreeNode{Children: []TreeNode{
		{Move: "e4", Children: []TreeNode{
			{Move: "e5"},
			{Move: "c5", Children: []TreeNode{{Move: "Nf3"}}},
		}},
		{Move: "d4"},
	}}

	graph, start := FromTree(root)
	lines := Traverse(graph, start)

	assert.Equal(t, TreeRootKey, start)
	assert.Equal(t, [][]string{
		{"e4", "e5"},
		{"e4", "c5", "Nf3"},
		{"d4"},
	}, movesOf(lines))
}

func TestFromTreeDuplicateSiblingFirstWins(t *testing.T) {
	// 同一節點下兩個 e4，第二個子樹不可併入第一個
	root := TreeNode{Children: []TreeNode{
		{Move: "e4", Children: []TreeNode{{Move: "e5"}}},
		{Move: "e4", Children: []TreeNode{{Move: "c5"}}},
	}}

	graph, start := FromTree(root)
	lines := Traverse(graph, start)

	assert.Equal(t, [][]string{{"e4", "e5"}}, movesOf(lines))
	require.Len(t, graph[start], 1)
	assert.Len(t, graph[graph[start][0].Target], 1)
}
