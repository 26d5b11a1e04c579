package traversal

import (
	"strconv"

	"github.com/ChuLiYu/linescout/pkg/types"
)

// TreeRootKey 由樹轉換出來的圖的起點 key
const TreeRootKey = "root"

// TreeNode 有根的走法樹（部分課程 API 以這種格式回傳）
type TreeNode struct {
	Move     string     `json:"move"`
	Children []TreeNode `json:"children"`
}

// FromTree 把走法樹轉成走法圖
//
// 每個節點以「從根走到此處的子節點索引」作為合成 key，
// 所以樹上不會產生循環，Traverse 的結果與直接走樹相同。
// 同一節點下重複的走法只保留第一個子樹，與圖上的邊去重一致。
func FromTree(root TreeNode) (types.PositionGraph, string) {
	graph := make(types.PositionGraph)
	addTreeNode(graph, TreeRootKey, root)
	return graph, TreeRootKey
}

func addTreeNode(graph types.PositionGraph, key string, node TreeNode) {
	if _, ok := graph[key]; !ok {
		graph[key] = nil
	}
	seen := make(map[string]bool, len(node.Children))
	for _, child := range node.Children {
		if child.Move == "" || seen[child.Move] {
			continue
		}
		seen[child.Move] = true
		childKey := key + "/" + strconv.Itoa(len(graph[key]))
		graph[key] = append(graph[key], types.MoveEdge{Move: child.Move, Target: childKey})
		addTreeNode(graph, childKey, child)
	}
}
