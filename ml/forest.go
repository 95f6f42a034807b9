package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
)

// ForestConfig controls RandomForest training.
type ForestConfig struct {
	Trees    int
	MaxDepth int
	Seed     int64
}

// RandomForest averages the class distributions of bootstrapped decision trees.
type RandomForest struct {
	classes      []string
	featureNames []string
	trees        []*DecisionTree
}

type forestFile struct {
	Classes  []string     `json:"classes"`
	Features []string     `json:"features"`
	Trees    [][]TreeNode `json:"trees"`
}

func NewRandomForest(classes, featureNames []string) *RandomForest {
	return &RandomForest{
		classes:      append([]string(nil), classes...),
		featureNames: append([]string(nil), featureNames...),
	}
}

func (f *RandomForest) Type() string { return "random_forest" }

func (f *RandomForest) Classes() []string { return append([]string(nil), f.classes...) }

func (f *RandomForest) FeatureNames() []string { return append([]string(nil), f.featureNames...) }

func (f *RandomForest) Train(features [][]float64, labels []int, config ForestConfig) error {
	if len(features) == 0 || len(features) != len(labels) {
		return errors.New("features and labels must be non-empty and equal length")
	}
	if config.Trees <= 0 {
		config.Trees = 10
	}
	rnd := rand.New(rand.NewSource(config.Seed))

	trees := make([]*DecisionTree, 0, config.Trees)
	for t := 0; t < config.Trees; t++ {
		sampleX := make([][]float64, len(features))
		sampleY := make([]int, len(labels))
		for i := range features {
			j := rnd.Intn(len(features))
			sampleX[i] = features[j]
			sampleY[i] = labels[j]
		}
		tree := NewDecisionTree(f.classes, f.featureNames)
		if err := tree.Train(sampleX, sampleY, config.MaxDepth); err != nil {
			return fmt.Errorf("tree %d: %w", t, err)
		}
		trees = append(trees, tree)
	}
	f.trees = trees
	return nil
}

func (f *RandomForest) Predict(features []float64) (string, error) {
	proba, err := f.PredictProba(features)
	if err != nil {
		return "", err
	}
	return f.classes[argmax(proba)], nil
}

// PredictProba returns the mean leaf distribution across trees.
func (f *RandomForest) PredictProba(features []float64) ([]float64, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotTrained
	}
	proba := make([]float64, len(f.classes))
	for i, tree := range f.trees {
		dist, err := tree.Distribution(features)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		for k := range proba {
			proba[k] += dist[k]
		}
	}
	for k := range proba {
		proba[k] /= float64(len(f.trees))
	}
	return proba, nil
}

// Attribution averages per-tree path contributions for every class.
func (f *RandomForest) Attribution(features []float64, class string) (Scores, error) {
	if _, err := classIndex(f.classes, class); err != nil {
		return Scores{}, err
	}
	if len(f.trees) == 0 {
		return Scores{}, ErrNotTrained
	}
	total := make([][]float64, len(f.classes))
	for k := range total {
		total[k] = make([]float64, len(features))
	}
	for i, tree := range f.trees {
		contrib, err := tree.contributions(features)
		if err != nil {
			return Scores{}, fmt.Errorf("tree %d: %w", i, err)
		}
		for k := range total {
			for j := range total[k] {
				total[k][j] += contrib[k][j]
			}
		}
	}
	n := float64(len(f.trees))
	for k := range total {
		for j := range total[k] {
			total[k][j] /= n
		}
	}
	return Scores{ByClass: total}, nil
}

// Bias is the mean root distribution across trees.
func (f *RandomForest) Bias() []float64 {
	bias := make([]float64, len(f.classes))
	if len(f.trees) == 0 {
		return bias
	}
	for _, tree := range f.trees {
		for k, v := range tree.bias() {
			bias[k] += v
		}
	}
	for k := range bias {
		bias[k] /= float64(len(f.trees))
	}
	return bias
}

func (f *RandomForest) Save(path string) error {
	if len(f.trees) == 0 {
		return ErrNotTrained
	}
	file := forestFile{Classes: f.classes, Features: f.featureNames}
	for _, tree := range f.trees {
		file.Trees = append(file.Trees, tree.nodes)
	}
	payload, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (f *RandomForest) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file forestFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return err
	}
	if len(file.Classes) == 0 || len(file.Trees) == 0 {
		return errors.New("forest file has no classes or trees")
	}
	trees := make([]*DecisionTree, 0, len(file.Trees))
	for i, nodes := range file.Trees {
		if len(nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", i)
		}
		tree := NewDecisionTree(file.Classes, file.Features)
		tree.nodes = nodes
		trees = append(trees, tree)
	}
	f.classes = file.Classes
	f.featureNames = file.Features
	f.trees = trees
	return nil
}
