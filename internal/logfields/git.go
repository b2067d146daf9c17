package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("github.repository_owner", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Installation(val int64) zap.Field {
	return zap.Int64("github.installation_id", val)
}

func Outcome(val string) zap.Field {
	return zap.String("update_run.outcome", val)
}
