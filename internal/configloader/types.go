package configloader

// fileConfig is the structural, pre-validation decode of the configuration
// artifact (the `BuildmasterConfig` record, §6). viper/mapstructure
// populate this from the YAML document; structural tag validation
// (go-playground/validator) runs against it before the hand-written
// business-rule pass in validate.go builds the normalised ConfigModel.
type fileConfig struct {
	ProjectName string `mapstructure:"projectName"`
	ProjectURL  string `mapstructure:"projectURL"`
	BuildbotURL string `mapstructure:"buildbotURL"`

	SlavePortnum interface{} `mapstructure:"slavePortnum" validate:"required"`

	Slaves        []slaveConfig    `mapstructure:"slaves"`
	Builders      []builderConfig  `mapstructure:"builders" validate:"required,dive"`
	Schedulers    []schedulerConfig `mapstructure:"schedulers" validate:"required,dive"`
	ChangeSource  []changeSourceConfig `mapstructure:"change_source"`
	Status        []statusConfig   `mapstructure:"status"`

	Properties map[string]interface{} `mapstructure:"properties"`

	EventHorizon         *int   `mapstructure:"eventHorizon"`
	LogHorizon           *int   `mapstructure:"logHorizon"`
	BuildHorizon         *int   `mapstructure:"buildHorizon"`
	ChangeHorizon        *int   `mapstructure:"changeHorizon"`
	BuildCacheSize       *int   `mapstructure:"buildCacheSize"`
	ChangeCacheSize      *int   `mapstructure:"changeCacheSize"`
	LogCompressionLimit  *int   `mapstructure:"logCompressionLimit"`
	LogCompressionMethod string `mapstructure:"logCompressionMethod"`
	LogMaxSize           *int   `mapstructure:"logMaxSize"`
	LogMaxTailSize       *int   `mapstructure:"logMaxTailSize"`

	DBURL          string `mapstructure:"db_url"`
	DBPollInterval *int   `mapstructure:"db_poll_interval"`
	MultiMaster    bool   `mapstructure:"multiMaster"`

	DebugPassword string `mapstructure:"debugPassword"`
	Manhole       *manholeConfig `mapstructure:"manhole"`

	// MergeRequests/PrioritizeBuilders name a hook registered in the
	// binary's HookRegistry (Go has no equivalent of exec'ing an
	// arbitrary callable out of the artifact). "false" disables merging
	// outright, matching the source's `mergeRequests = False` sentinel.
	MergeRequests      string `mapstructure:"mergeRequests"`
	PrioritizeBuilders string `mapstructure:"prioritizeBuilders"`

	// Deprecated keys. Their presence in the decoded map (checked
	// separately against viper's raw key set, since a missing field
	// decodes to the zero value indistinguishable from "absent") is a
	// hard ConfigSchemaError.
	Sources    interface{} `mapstructure:"sources"`
	Bots       interface{} `mapstructure:"bots"`
	Interlocks interface{} `mapstructure:"interlocks"`
}

type slaveConfig struct {
	Name       string                 `mapstructure:"name" validate:"required"`
	Password   string                 `mapstructure:"password"`
	MaxBuilds  int                    `mapstructure:"max_builds"`
	Properties map[string]interface{} `mapstructure:"properties"`
}

type lockRefConfig struct {
	Name  string `mapstructure:"name" validate:"required"`
	Scope string `mapstructure:"scope"`
}

type buildStepConfig struct {
	Name  string          `mapstructure:"name" validate:"required"`
	Locks []lockRefConfig `mapstructure:"locks"`
}

type builderConfig struct {
	Name        string                 `mapstructure:"name" validate:"required"`
	BuildDir    string                 `mapstructure:"builddir"`
	SlaveDir    string                 `mapstructure:"slavebuilddir"`
	SlaveNames  []string               `mapstructure:"slavenames" validate:"required,min=1"`
	Category    string                 `mapstructure:"category"`
	Factory     []buildStepConfig      `mapstructure:"factory"`
	Properties  map[string]interface{} `mapstructure:"properties"`

	EventHorizon *int `mapstructure:"eventHorizon"`
	LogHorizon   *int `mapstructure:"logHorizon"`
	BuildHorizon *int `mapstructure:"buildHorizon"`
}

type schedulerConfig struct {
	Name       string                 `mapstructure:"name" validate:"required"`
	Builders   []string               `mapstructure:"builders"`
	Properties map[string]interface{} `mapstructure:"properties"`
}

type changeSourceConfig struct {
	Name       string                 `mapstructure:"name" validate:"required"`
	Kind       string                 `mapstructure:"kind" validate:"required"`
	Properties map[string]interface{} `mapstructure:"properties"`
}

type statusConfig struct {
	Name       string                 `mapstructure:"name" validate:"required"`
	Kind       string                 `mapstructure:"kind" validate:"required,oneof=websocket http"`
	Properties map[string]interface{} `mapstructure:"properties"`
}

type manholeConfig struct {
	Endpoint string `mapstructure:"endpoint" validate:"required"`
	Port     int    `mapstructure:"port"`
}
