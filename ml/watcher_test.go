package ml

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestWatcherReloadsChangedModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	first := trainedForest(t)
	if err := first.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	initial, err := LoadModel("random_forest", path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	holder := NewHolder(initial)

	w, err := NewWatcher(holder, "random_forest", path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	w.Start()
	defer w.Close()

	x, y := syntheticData(30)
	tree := NewDecisionTree(testClasses, testFeatureNames)
	if err := tree.Train(x, y, 2); err != nil {
		t.Fatalf("train: %v", err)
	}
	replacement := NewRandomForest(testClasses, testFeatureNames)
	replacement.trees = []*DecisionTree{tree}
	if err := replacement.Save(path); err != nil {
		t.Fatalf("save replacement: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if holder.Model() != initial {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("model was not reloaded")
}

func TestWatcherKeepsModelOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	forest := trainedForest(t)
	if err := forest.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	holder := NewHolder(forest)

	w, err := NewWatcher(holder, "random_forest", path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	w.reload()
	if holder.Model() == MLModel(forest) {
		t.Fatal("expected reload from a valid file to swap the model")
	}
	current := holder.Model()

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.reload()
	if holder.Model() != current {
		t.Fatal("bad file replaced the model")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
