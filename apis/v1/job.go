package v1

const BuildJobKind = "BuildJob"

// BuildJob describes one upstream build: where the sources come from, how to
// configure and build them, and how the result is packed and published.
type BuildJob struct {
	Kind     string       `yaml:"kind" json:"kind" validate:"required,eq=BuildJob"`
	Metadata Metadata     `yaml:"metadata" json:"metadata"`
	Spec     BuildJobSpec `yaml:"spec" json:"spec"`
}

type Metadata struct {
	Name string `yaml:"name" json:"name" validate:"required"`
}

type BuildJobSpec struct {
	Upstream UpstreamSpec  `yaml:"upstream" json:"upstream"`
	Patches  *PatchesSpec  `yaml:"patches,omitempty" json:"patches,omitempty"`
	SDKs     []SDKSpec     `yaml:"sdks,omitempty" json:"sdks,omitempty" validate:"dive"`
	Hooks    []HookSpec    `yaml:"hooks,omitempty" json:"hooks,omitempty" validate:"dive"`
	CMake    CMakeSpec     `yaml:"cmake" json:"cmake"`
	Package  PackageSpec   `yaml:"package" json:"package"`
	Publish  []PublishSpec `yaml:"publish,omitempty" json:"publish,omitempty" validate:"dive"`
}

// UpstreamSpec locates the source checkout.
type UpstreamSpec struct {
	// Version is the exact upstream release, e.g. 1.22.0.
	Version string `yaml:"version" json:"version" validate:"required" template:""`
	// Remote defaults to the onnxruntime GitHub repository.
	Remote string `yaml:"remote,omitempty" json:"remote,omitempty" template:""`
	// Branch defaults to rel-${UPSTREAM_VERSION}.
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty" template:""`
	// Dir defaults to ${ROOT}/onnxruntime.
	Dir       string `yaml:"dir,omitempty" json:"dir,omitempty" template:""`
	Depth     *int   `yaml:"depth,omitempty" json:"depth,omitempty" validate:"omitempty,gte=0"`
	Recursive *bool  `yaml:"recursive,omitempty" json:"recursive,omitempty"`
}

type PatchesSpec struct {
	// Dir holds patch files applied in lexical order.
	Dir string `yaml:"dir" json:"dir" validate:"required" template:""`
}

// SDKSpec is a prebuilt dependency downloaded before configuring.
type SDKSpec struct {
	ID              string            `yaml:"id" json:"id" validate:"required"`
	URL             string            `yaml:"url" json:"url" validate:"required" template:""`
	Dest            string            `yaml:"dest" json:"dest" validate:"required" template:""`
	StripComponents int               `yaml:"strip_components,omitempty" json:"strip_components,omitempty" validate:"gte=0"`
	Kind            string            `yaml:"kind,omitempty" json:"kind,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Define, when set, is a CMake variable receiving Dest, e.g.
	// onnxruntime_CUDNN_HOME.
	Define string `yaml:"define,omitempty" json:"define,omitempty"`
}

// HookSpec is a command run after SDKs are in place and before configure.
type HookSpec struct {
	ID         string            `yaml:"id" json:"id" validate:"required"`
	Program    []string          `yaml:"program" json:"program" validate:"required,min=1" template:""`
	WorkingDir *string           `yaml:"working_dir,omitempty" json:"working_dir,omitempty" template:""`
	Timeout    *string           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

type CMakeSpec struct {
	// SourceDir defaults to ${ROOT}/onnxruntime/cmake.
	SourceDir string `yaml:"source_dir,omitempty" json:"source_dir,omitempty" template:""`
	// BuildDir defaults to ${ROOT}/onnxruntime/build.
	BuildDir string `yaml:"build_dir,omitempty" json:"build_dir,omitempty" template:""`
	// InstallPrefix defaults to ${ROOT}/artifact/onnxruntime.
	InstallPrefix string            `yaml:"install_prefix,omitempty" json:"install_prefix,omitempty" template:""`
	Generator     string            `yaml:"generator,omitempty" json:"generator,omitempty" template:""`
	Platform      string            `yaml:"platform,omitempty" json:"platform,omitempty" template:""`
	Toolchain     string            `yaml:"toolchain,omitempty" json:"toolchain,omitempty" template:""`
	BuildType     string            `yaml:"build_type,omitempty" json:"build_type,omitempty"`
	Defines       map[string]string `yaml:"defines,omitempty" json:"defines,omitempty"`
	CFlags        []string          `yaml:"c_flags,omitempty" json:"c_flags,omitempty" template:""`
	CXXFlags      []string          `yaml:"cxx_flags,omitempty" json:"cxx_flags,omitempty" template:""`
	CUDAFlags     []string          `yaml:"cuda_flags,omitempty" json:"cuda_flags,omitempty" template:""`
	ExtraArgs     []string          `yaml:"extra_args,omitempty" json:"extra_args,omitempty" template:""`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// Parallel defaults to ${NPROC}.
	Parallel *int `yaml:"parallel,omitempty" json:"parallel,omitempty" validate:"omitempty,gte=1"`
}

// PackageSpec configures the artifact archive.
type PackageSpec struct {
	// Dir defaults to the lib directory of the install prefix.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" template:""`
	// Output defaults to ${ROOT}/artifact plus the format extension.
	Output    string `yaml:"output,omitempty" json:"output,omitempty" template:""`
	Format    string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=xz lzma2 zstd gzip lz4 none"`
	ChunkSize int    `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty" validate:"gte=0"`
	DictCap   int    `yaml:"dict_cap,omitempty" json:"dict_cap,omitempty" validate:"gte=0"`
	// Level is the zstd or gzip level; unset selects the library default.
	Level *int `yaml:"level,omitempty" json:"level,omitempty"`
	// ModTime, in Unix seconds, replaces every file's modification time.
	ModTime *int64 `yaml:"mtime,omitempty" json:"mtime,omitempty"`
}

// PublishSpec is one destination for the packed artifact (one of the fields
// should be set).
type PublishSpec struct {
	Filesystem *FilesystemPublishSpec `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	S3         *S3PublishSpec         `yaml:"s3,omitempty" json:"s3,omitempty"`
}

type FilesystemPublishSpec struct {
	Path string `yaml:"path" json:"path" validate:"required" template:""`
	// Name overrides the published file name.
	Name string `yaml:"name,omitempty" json:"name,omitempty" template:""`
}

type S3PublishSpec struct {
	Bucket         string         `yaml:"bucket" json:"bucket" validate:"required" template:""`
	Region         *string        `yaml:"region,omitempty" json:"region,omitempty" template:""`
	Endpoint       *string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty" template:""`
	Prefix         *string        `yaml:"prefix,omitempty" json:"prefix,omitempty" template:""`
	Name           string         `yaml:"name,omitempty" json:"name,omitempty" template:""`
	ForcePathStyle bool           `yaml:"force_path_style,omitempty" json:"force_path_style,omitempty"`
	Credentials    *S3Credentials `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

type S3Credentials struct {
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" validate:"required" template:""`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key" validate:"required" template:""`
}
