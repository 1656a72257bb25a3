package config

import "strings"

// #region kind

// Kind selects how an option is parsed from the command line.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool       // present means true
	KindNegBool    // present means false; used for --no_* switches
	KindStringList // comma separated or repeated
	KindStrictBool // takes "true" or "false", anything else is an error
)

// #endregion kind

// #region option

// Option declares one recognised command-line option.
type Option struct {
	Flag     string
	Key      string // defaults to Flag with dashes replaced by underscores
	Kind     Kind
	Default  any
	Choices  []string
	Required bool
	Help     string
}

// KeyName returns the configuration key the option writes to.
func (o Option) KeyName() string {
	if o.Key != "" {
		return o.Key
	}
	return strings.ReplaceAll(o.Flag, "-", "_")
}

// #endregion option

// #region defaults

// DefaultOptions returns every option the training driver recognises.
// Model and loss hyper-parameters are forwarded to the worker untouched.
func DefaultOptions() []Option {
	return []Option{
		{Flag: "run_name", Kind: KindString, Default: ""},

		// Dataset specific
		{Flag: "dataset_config", Kind: KindString, Default: "", Required: true, Help: "JSON file whose keys override these options"},
		{Flag: "do_qa", Kind: KindBool, Default: false, Help: "Whether to do question answering"},
		{Flag: "predict_final", Kind: KindBool, Default: false, Help: "Predict whether a box is in the referred set"},
		{Flag: "no_detection", Kind: KindBool, Default: false, Help: "Disable detection evaluators"},
		{Flag: "split_qa_heads", Kind: KindBool, Default: false, Help: "Use a separate head per question type"},
		{Flag: "combine_datasets", Kind: KindStringList, Default: []string{"flickr"}, Help: "Datasets to combine for training"},
		{Flag: "combine_datasets_val", Kind: KindStringList, Default: []string{"flickr"}, Help: "Datasets to combine for eval"},
		{Flag: "coco_path", Kind: KindString, Default: ""},
		{Flag: "vg_img_path", Kind: KindString, Default: ""},
		{Flag: "vg_ann_path", Kind: KindString, Default: ""},
		{Flag: "clevr_img_path", Kind: KindString, Default: ""},
		{Flag: "clevr_ann_path", Kind: KindString, Default: ""},
		{Flag: "phrasecut_ann_path", Kind: KindString, Default: ""},
		{Flag: "phrasecut_orig_ann_path", Kind: KindString, Default: ""},
		{Flag: "modulated_lvis_ann_path", Kind: KindString, Default: ""},

		// Training hyper-parameters
		{Flag: "lr", Kind: KindFloat, Default: 1e-4},
		{Flag: "lr_backbone", Kind: KindFloat, Default: 1e-5},
		{Flag: "text_encoder_lr", Kind: KindFloat, Default: 5e-5},
		{Flag: "batch_size", Kind: KindInt, Default: 2},
		{Flag: "weight_decay", Kind: KindFloat, Default: 1e-4},
		{Flag: "epochs", Kind: KindInt, Default: 40},
		{Flag: "lr_drop", Kind: KindInt, Default: 35},
		{Flag: "epoch_chunks", Kind: KindInt, Default: -1},
		{Flag: "optimizer", Kind: KindString, Default: "adam"},
		{Flag: "amsgrad", Kind: KindBool, Default: false},
		{Flag: "clip_max_norm", Kind: KindFloat, Default: 0.1, Help: "gradient clipping max norm"},
		{Flag: "eval_skip", Kind: KindInt, Default: 1, Help: "evaluate every N epochs"},
		{Flag: "checkpoint_frequency", Kind: KindInt, Default: 2, Help: "write a numbered checkpoint every N epochs"},
		{Flag: "schedule", Kind: KindString, Default: "linear_with_warmup",
			Choices: []string{"step", "multistep", "linear_with_warmup", "all_linear_with_warmup"}},
		{Flag: "ema", Kind: KindBool, Default: false},
		{Flag: "ema_decay", Kind: KindFloat, Default: 0.9998},
		{Flag: "fraction_warmup_steps", Kind: KindFloat, Default: 0.01},

		// Model parameters
		{Flag: "frozen_weights", Kind: KindString, Default: "", Help: "Pretrained model; only the mask head is trained"},
		{Flag: "freeze_text_encoder", Kind: KindBool, Default: false},
		{Flag: "text_encoder_type", Kind: KindString, Default: "roberta-base",
			Choices: []string{"roberta-base", "distilroberta-base", "roberta-large"}},

		// Backbone
		{Flag: "backbone", Kind: KindString, Default: "resnet101"},
		{Flag: "dilation", Kind: KindBool, Default: false},
		{Flag: "position_embedding", Kind: KindString, Default: "sine", Choices: []string{"sine", "learned"}},

		// Transformer
		{Flag: "enc_layers", Kind: KindInt, Default: 6},
		{Flag: "dec_layers", Kind: KindInt, Default: 6},
		{Flag: "dim_feedforward", Kind: KindInt, Default: 2048},
		{Flag: "hidden_dim", Kind: KindInt, Default: 256},
		{Flag: "dropout", Kind: KindFloat, Default: 0.1},
		{Flag: "nheads", Kind: KindInt, Default: 8},
		{Flag: "num_queries", Kind: KindInt, Default: 20},
		{Flag: "pre_norm", Kind: KindBool, Default: false},
		{Flag: "no_pass_pos_and_query", Key: "pass_pos_and_query", Kind: KindNegBool, Default: true},

		// Segmentation
		{Flag: "mask_model", Kind: KindString, Default: "none", Choices: []string{"none", "smallconv", "v2"}},
		{Flag: "remove_difficult", Kind: KindBool, Default: false},
		{Flag: "masks", Kind: KindBool, Default: false},

		// Loss
		{Flag: "no_aux_loss", Key: "aux_loss", Kind: KindNegBool, Default: true},
		{Flag: "set_loss", Kind: KindString, Default: "hungarian", Choices: []string{"sequential", "hungarian", "lexicographical"}},
		{Flag: "contrastive_loss", Kind: KindBool, Default: false},
		{Flag: "no_contrastive_align_loss", Key: "contrastive_align_loss", Kind: KindNegBool, Default: true},
		{Flag: "contrastive_loss_hdim", Kind: KindInt, Default: 64},
		{Flag: "temperature_NCE", Kind: KindFloat, Default: 0.07},

		// Matcher
		{Flag: "set_cost_class", Kind: KindFloat, Default: 1.0},
		{Flag: "set_cost_bbox", Kind: KindFloat, Default: 5.0},
		{Flag: "set_cost_giou", Kind: KindFloat, Default: 2.0},

		// Loss coefficients
		{Flag: "ce_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "mask_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "dice_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "bbox_loss_coef", Kind: KindFloat, Default: 5.0},
		{Flag: "giou_loss_coef", Kind: KindFloat, Default: 2.0},
		{Flag: "qa_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "eos_coef", Kind: KindFloat, Default: 0.1},
		{Flag: "contrastive_loss_coef", Kind: KindFloat, Default: 0.1},
		{Flag: "contrastive_align_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "arm_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "arm_score_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "arm_box_align_loss_coef", Kind: KindFloat, Default: 1.0},
		{Flag: "arm_box_align_offset_by_gt", Kind: KindBool, Default: false},
		{Flag: "arm_box_align_fixed_offset", Kind: KindFloat, Default: 0.0},

		// Run specific
		{Flag: "test", Kind: KindBool, Default: false, Help: "Evaluate on the test split instead of val"},
		{Flag: "test_type", Kind: KindString, Default: "test", Choices: []string{"testA", "testB", "test"}},
		{Flag: "output-dir", Kind: KindString, Default: "", Help: "where to save checkpoints and log.txt"},
		{Flag: "runs_dir", Kind: KindString, Default: "runs", Help: "root of per-experiment scalar stores"},
		{Flag: "device", Kind: KindString, Default: "cuda"},
		{Flag: "seed", Kind: KindInt, Default: 42},
		{Flag: "resume", Kind: KindString, Default: "", Help: "resume from checkpoint (path or URL)"},
		{Flag: "load", Kind: KindString, Default: "", Help: "load model weights only"},
		{Flag: "start-epoch", Kind: KindInt, Default: 0},
		{Flag: "eval", Kind: KindBool, Default: false, Help: "Only run evaluation"},
		{Flag: "num_workers", Kind: KindInt, Default: 5},
		{Flag: "worker_addr", Kind: KindString, Default: "localhost:50061", Help: "address of the training worker"},
		{Flag: "metrics_redis", Kind: KindString, Default: "", Help: "optional Redis address for scalar fan-out"},
		{Flag: "log_format", Kind: KindString, Default: "text", Choices: []string{"text", "json"}},
		{Flag: "log_level", Kind: KindString, Default: "info", Choices: []string{"debug", "info", "warn", "error"}},

		// Distributed training parameters
		{Flag: "world-size", Kind: KindInt, Default: 1},
		{Flag: "dist-url", Kind: KindString, Default: "env://"},

		{Flag: "pose", Kind: KindStrictBool, Default: true},
	}
}

// #endregion defaults
