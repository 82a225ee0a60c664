package model

// KeyMessages 为模型根节点下的消息列表字段。
const KeyMessages = "messages"

// MergeInto 将 patch 结构化合并进 dst 并返回 dst：
//
//   - patch 中出现的 key 覆盖 dst 中同名 key；
//   - 双方都是对象时递归合并；
//   - patch 中未出现的 key 保持不变；
//   - 根节点的 messages 列表追加而不是覆盖。
//
// dst 为 nil 时新建一个对象。patch 中的对象会被深拷贝，合并后 dst 不与 patch 共享引用。
func MergeInto(dst, patch map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if k == KeyMessages {
			if incoming, ok := v.([]any); ok {
				existing, _ := dst[k].([]any)
				dst[k] = append(existing, cloneSlice(incoming)...)
				continue
			}
		}
		dst[k] = mergeValue(dst[k], v)
	}
	return dst
}

func mergeValue(dst, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return cloneValue(patch)
	}
	dstObj, ok := dst.(map[string]any)
	if !ok {
		return cloneMap(patchObj)
	}
	for k, v := range patchObj {
		dstObj[k] = mergeValue(dstObj[k], v)
	}
	return dstObj
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		return cloneSlice(t)
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = cloneValue(v)
	}
	return out
}
