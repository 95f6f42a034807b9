package ml

import (
	"fmt"
)

func LoadModel(modelType, path string) (MLModel, error) {
	var model MLModel
	switch modelType {
	case "decision_tree":
		model = &DecisionTree{}
	case "random_forest", "":
		model = &RandomForest{}
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
	if err := model.Load(path); err != nil {
		return nil, fmt.Errorf("load %s model from %s: %w", model.Type(), path, err)
	}
	return model, nil
}
