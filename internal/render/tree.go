package render

// Input identifies one of the two viewer input slots used by compare and
// wipe modes. Disk writers only ever use InputA.
type Input int

const (
	InputA Input = iota
	InputB
)

// NumInputs is the number of input slots a viewer sub-result can carry.
const NumInputs = 2

func (i Input) String() string {
	if i == InputB {
		return "B"
	}
	return "A"
}

// TreeRender is a handle on one evaluation of the node graph. It is owned by
// the graph evaluation engine; schedulers only launch, wait for and abort it.
//
// Abort is cooperative: implementations observe it at their own checkpoints
// and unwind, after which Wait returns StatusAborted.
type TreeRender interface {
	Launch()
	Wait() Status
	Abort()
	IsAborted() bool
}

// TreeRenderArgs describes what a tree render must produce.
type TreeRenderArgs struct {
	Node     string
	Time     int
	View     int
	Input    Input
	Stats    bool
	Playback bool
	Draft    bool
}

// TreeRenderFactory creates tree renders for an output node.
type TreeRenderFactory interface {
	CreateTreeRender(args TreeRenderArgs) (TreeRender, error)
}

// TreeRenderFactoryFunc adapts a function to TreeRenderFactory.
type TreeRenderFactoryFunc func(args TreeRenderArgs) (TreeRender, error)

// CreateTreeRender implements TreeRenderFactory.
func (f TreeRenderFactoryFunc) CreateTreeRender(args TreeRenderArgs) (TreeRender, error) {
	return f(args)
}
