package bytecode

import "fmt"

// StackEffect returns the change in stack depth caused by executing op with
// arg. For jumps, jump selects the effect along the taken edge.
func StackEffect(op Opcode, arg int, jump bool) (int, error) {
	switch op {
	case ForIter:
		if jump {
			return -1, nil
		}
		return 1, nil
	case SetupFinally:
		if jump {
			return 1, nil
		}
		return 0, nil
	case JumpIfFalseOrPop, JumpIfTrueOrPop:
		if jump {
			return 0, nil
		}
		return -1, nil
	case UnpackSequence:
		return arg - 1, nil
	case BuildTuple, BuildList:
		return 1 - arg, nil
	case BuildMap:
		return 1 - 2*arg, nil
	case BuildSlice:
		if arg == 3 {
			return -2, nil
		}
		return -1, nil
	case RaiseVarargs:
		if arg < 0 || arg > 2 {
			return 0, fmt.Errorf("bytecode: bad RAISE_VARARGS argument %d", arg)
		}
		return -arg, nil
	case CallFunction:
		return -arg, nil
	case CallFunctionKw:
		return -arg - 1, nil
	case CallFunctionEx:
		if arg&1 != 0 {
			return -2, nil
		}
		return -1, nil
	case MakeFunction:
		n := -1
		for _, f := range []int{MakeFunctionDefaults, MakeFunctionKwDefaults, MakeFunctionAnnotation, MakeFunctionClosure} {
			if arg&f != 0 {
				n--
			}
		}
		return n, nil
	}
	info, ok := opcodeInfoTable[op]
	if !ok {
		return 0, fmt.Errorf("bytecode: unknown opcode %d", byte(op))
	}
	if info.StackPop < 0 || info.StackPush < 0 {
		return 0, fmt.Errorf("bytecode: no stack effect for %s", info.Name)
	}
	return info.StackPush - info.StackPop, nil
}
