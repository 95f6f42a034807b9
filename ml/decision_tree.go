package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
)

type DecisionTree struct {
	classes      []string
	featureNames []string
	nodes        []TreeNode
}

// TreeNode is one node of a flattened tree. Value holds the class distribution
// of the training samples that reached the node and drives attribution.
type TreeNode struct {
	FeatureIdx int       `json:"feature_idx"`
	Threshold  float64   `json:"threshold"`
	LeftChild  int       `json:"left_child"`
	RightChild int       `json:"right_child"`
	ClassLabel int       `json:"class_label"`
	IsLeaf     bool      `json:"is_leaf"`
	Value      []float64 `json:"value"`
}

type treeFile struct {
	Classes  []string   `json:"classes"`
	Features []string   `json:"features"`
	Nodes    []TreeNode `json:"nodes"`
}

func NewDecisionTree(classes, featureNames []string) *DecisionTree {
	return &DecisionTree{
		classes:      append([]string(nil), classes...),
		featureNames: append([]string(nil), featureNames...),
	}
}

func (dt *DecisionTree) Type() string { return "decision_tree" }

func (dt *DecisionTree) Classes() []string { return append([]string(nil), dt.classes...) }

func (dt *DecisionTree) FeatureNames() []string { return append([]string(nil), dt.featureNames...) }

// Train grows the tree from labelled rows. Labels are indexes into Classes().
func (dt *DecisionTree) Train(features [][]float64, labels []int, maxDepth int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if len(dt.classes) == 0 {
		return errors.New("classes not set")
	}
	for _, label := range labels {
		if label < 0 || label >= len(dt.classes) {
			return fmt.Errorf("label %d outside %d classes", label, len(dt.classes))
		}
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	dt.nodes = dt.buildNode(features, labels, 0, maxDepth)
	return nil
}

func (dt *DecisionTree) Predict(features []float64) (string, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return "", err
	}
	return dt.classes[dt.nodes[leaf].ClassLabel], nil
}

// Distribution returns the class distribution of the leaf the features land in.
func (dt *DecisionTree) Distribution(features []float64) ([]float64, error) {
	leaf, err := dt.leaf(features)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), dt.nodes[leaf].Value...), nil
}

// Attribution returns per-class path contributions: every split on the way to
// the leaf credits its feature with the change in class distribution it caused.
func (dt *DecisionTree) Attribution(features []float64, class string) (Scores, error) {
	if _, err := classIndex(dt.classes, class); err != nil {
		return Scores{}, err
	}
	contrib, err := dt.contributions(features)
	if err != nil {
		return Scores{}, err
	}
	return Scores{ByClass: contrib}, nil
}

func (dt *DecisionTree) contributions(features []float64) ([][]float64, error) {
	path, err := dt.path(features)
	if err != nil {
		return nil, err
	}
	contrib := make([][]float64, len(dt.classes))
	for k := range contrib {
		contrib[k] = make([]float64, len(features))
	}
	for i := 0; i+1 < len(path); i++ {
		parent := dt.nodes[path[i]]
		child := dt.nodes[path[i+1]]
		for k := range contrib {
			contrib[k][parent.FeatureIdx] += child.Value[k] - parent.Value[k]
		}
	}
	return contrib, nil
}

// bias is the root distribution; bias plus contributions equals the leaf distribution.
func (dt *DecisionTree) bias() []float64 {
	if len(dt.nodes) == 0 {
		return nil
	}
	return append([]float64(nil), dt.nodes[0].Value...)
}

func (dt *DecisionTree) leaf(features []float64) (int, error) {
	path, err := dt.path(features)
	if err != nil {
		return 0, err
	}
	return path[len(path)-1], nil
}

func (dt *DecisionTree) path(features []float64) ([]int, error) {
	if len(dt.nodes) == 0 {
		return nil, ErrNotTrained
	}
	if len(dt.featureNames) > 0 && len(features) != len(dt.featureNames) {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrFeatureLength, len(dt.featureNames), len(features))
	}
	idx := 0
	path := []int{0}
	for {
		node := dt.nodes[idx]
		if node.IsLeaf {
			if node.ClassLabel < 0 || node.ClassLabel >= len(dt.classes) || len(node.Value) != len(dt.classes) {
				return nil, errors.New("invalid leaf")
			}
			return path, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= path[len(path)-1] || idx >= len(dt.nodes) {
			return nil, errors.New("invalid tree state")
		}
		if len(node.Value) != len(dt.classes) {
			return nil, errors.New("invalid node distribution")
		}
		path = append(path, idx)
	}
}

func (dt *DecisionTree) Save(path string) error {
	if len(dt.nodes) == 0 {
		return ErrNotTrained
	}
	payload, err := json.Marshal(treeFile{Classes: dt.classes, Features: dt.featureNames, Nodes: dt.nodes})
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (dt *DecisionTree) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file treeFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return err
	}
	if len(file.Classes) == 0 || len(file.Nodes) == 0 {
		return errors.New("tree file has no classes or nodes")
	}
	dt.classes = file.Classes
	dt.featureNames = file.Features
	dt.nodes = file.Nodes
	return nil
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int, maxDepth int) []TreeNode {
	dist := distribution(labels, len(dt.classes))
	leaf := []TreeNode{{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		ClassLabel: argmax(dist),
		IsLeaf:     true,
		Value:      dist,
	}}
	if depth >= maxDepth || isPure(labels) {
		return leaf
	}

	bestFeature, threshold, ok := findBestSplit(features, labels)
	if !ok {
		return leaf
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return leaf
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, maxDepth)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, maxDepth)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		ClassLabel: argmax(dist),
		Value:      dist,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, offsetChildren(leftNodes, 1)...)
	nodes = append(nodes, offsetChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

// offsetChildren rebases child indexes of a subtree placed at offset.
func offsetChildren(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

func findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func distribution(labels []int, classes int) []float64 {
	dist := make([]float64, classes)
	if len(labels) == 0 {
		return dist
	}
	for _, label := range labels {
		dist[label]++
	}
	for i := range dist {
		dist[i] /= float64(len(labels))
	}
	return dist
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
