package worker

// #region model
// ModelInfo describes the model the worker built.
type ModelInfo struct {
	NumParameters  int64
	ParamNames     []string // trainable parameters, in registration order
	HasCriterion   bool     // detection criterion
	HasQACriterion bool
	// PoseLastLayer is the index of the last pose decoder layer, the one
	// whose losses are logged.
	PoseLastLayer int
}

// #endregion model

// #region optimizer
// ParamGroup is a set of parameters sharing one learning rate.
type ParamGroup struct {
	Name   string
	LR     float64
	Params []string
}

// OptimizerSpec configures the worker's optimizer.
type OptimizerSpec struct {
	Kind        string // sgd | adam | adamw
	WeightDecay float64
	Momentum    float64 // sgd only
	AMSGrad     bool
	Groups      []ParamGroup
}

// #endregion optimizer

// #region dataset
// DatasetRequest asks the worker to build a loader for one split.
type DatasetRequest struct {
	Split     string // "train" | "val"
	Names     []string
	BatchSize int
	Test      bool
	TestType  string
}

// DatasetHandle refers to a loader living in the worker.
type DatasetHandle struct {
	Name    string
	Loader  string
	BaseRef string
	Size    int
}

// #endregion dataset

// #region train
// TrainRequest runs one epoch over a training loader.
type TrainRequest struct {
	Epoch   int
	Loader  string
	MaxNorm float64
}

// #endregion train
