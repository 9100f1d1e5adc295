package permission

// Action is something a user may try to do to a document.
type Action string

const (
	ActionView              Action = "view"
	ActionEdit              Action = "edit"
	ActionPublish           Action = "publish"
	ActionDelete            Action = "delete"
	ActionShare             Action = "share"
	ActionManagePermissions Action = "manage_permissions"
)

// actionTable lists, per action, the levels allowed to perform it.
var actionTable = map[Action][]Level{
	ActionView:              {Readonly, Editable, Postable, Owner},
	ActionEdit:              {Editable, Postable, Owner},
	ActionPublish:           {Postable, Owner},
	ActionDelete:            {Owner},
	ActionShare:             {Owner},
	ActionManagePermissions: {Owner},
}

// CanPerformAction looks action up in the capability table. Unlisted actions
// are denied.
func CanPerformAction(action Action, level Level) bool {
	for _, allowed := range actionTable[action] {
		if allowed == level {
			return true
		}
	}
	return false
}

func CanView(level Level) bool { return level != NoAccess && level != Unknown }

func CanEdit(level Level) bool {
	return level == Owner || level == Postable || level == Editable
}

func CanPublish(level Level) bool { return level == Owner || level == Postable }

func CanDelete(level Level) bool { return level == Owner }

func CanShare(level Level) bool { return level == Owner }

func CanManagePermissions(level Level) bool { return level == Owner }
